// Package schema validates workflow definitions before they are stored.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/songzhibin97/genflow/types"
)

// ErrInvalidWorkflow is matched by every validation failure.
var ErrInvalidWorkflow = errors.New("invalid workflow definition")

// WorkflowSchema is the JSON schema of a stored workflow.
const WorkflowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string"},
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "data": {"type": ["object", "null"]}
        }
      }
    },
    "edges": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func workflowSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("workflow.json", strings.NewReader(WorkflowSchema)); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile("workflow.json")
	})
	return compiled, compileErr
}

// ValidateWorkflow checks wf against WorkflowSchema and requires node ids
// to be unique.
func ValidateWorkflow(wf types.Workflow) error {
	sch, err := workflowSchema()
	if err != nil {
		return fmt.Errorf("compile workflow schema: %w", err)
	}

	b, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidWorkflow, n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}
