package workflow

import (
	"fmt"

	"github.com/songzhibin97/genflow/catalog"
	"github.com/songzhibin97/genflow/extract"
	"github.com/songzhibin97/genflow/types"
)

// upstreamOutput pairs a dependency with its log.
type upstreamOutput struct {
	node types.Node
	log  types.ExecutionLog
}

// inputField names the data field an input node of a given type reads.
var inputField = map[string]string{
	"text":   "content",
	"file":   "url",
	"image":  "url",
	"number": "value",
	"toggle": "value",
	"seed":   "value",
}

// wireInputs returns the effective data of node: its own data plus the
// prompt and image urls produced by its completed dependencies.
func wireInputs(c catalog.Catalog, node types.Node, upstream []upstreamOutput) map[string]interface{} {
	data := make(map[string]interface{}, len(node.Data)+2)
	for k, v := range node.Data {
		data[k] = v
	}
	if len(upstream) == 0 {
		return data
	}

	var images []interface{}
	if existing, ok := data["image_urls"].([]interface{}); ok {
		images = append(images, existing...)
	}
	for _, up := range upstream {
		if up.log.Status != types.StatusCompleted {
			continue
		}
		out := up.log.OutputData
		if c.Classify(up.node.Type) == types.CategoryInput && (up.node.Type == "image" || up.node.Type == "file") {
			if u, ok := out["result"].(string); ok && u != "" {
				images = append(images, u)
			}
			continue
		}
		if text := textOf(out); text != "" {
			if p, _ := data["prompt"].(string); p == "" {
				data["prompt"] = text
			}
		}
		images = append(images, imagesOf(out)...)
	}
	if len(images) > 0 {
		data["image_urls"] = images
	}
	return data
}

// textOf returns the text carried by an upstream output, if any.
func textOf(out map[string]interface{}) string {
	if s, ok := out["result"].(string); ok {
		return s
	}
	if out["kind"] == string(extract.KindOutput) {
		if d, ok := out["data"].(map[string]interface{}); ok {
			if s, ok := d["text"].(string); ok {
				return s
			}
		}
	}
	return ""
}

// imagesOf returns the image urls of a generation output.
func imagesOf(out map[string]interface{}) []interface{} {
	switch out["kind"] {
	case string(extract.KindImages):
		var urls []interface{}
		items, _ := out["data"].([]interface{})
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				if u, ok := m["url"].(string); ok && u != "" {
					urls = append(urls, u)
				}
			}
		}
		return urls
	case string(extract.KindImage):
		if u, ok := out["outputUrl"].(string); ok && u != "" {
			return []interface{}{u}
		}
	}
	return nil
}

// synthesize computes the output of a node that completes inline.
func (e *Engine) synthesize(rs *runState, node types.Node, data map[string]interface{}, upstream []upstreamOutput) (map[string]interface{}, error) {
	trigger := rs.run.InputData
	outputs := make(map[string]interface{}, len(upstream))
	for _, up := range upstream {
		outputs[up.node.ID] = up.log.OutputData
	}

	switch e.catalog.Classify(node.Type) {
	case types.CategoryInput:
		if v, ok := trigger[node.ID]; ok {
			return map[string]interface{}{"result": v}, nil
		}
		return map[string]interface{}{"result": data[inputField[node.Type]]}, nil

	case types.CategoryWorkflow:
		if node.Type == "start" {
			result := make(map[string]interface{}, len(trigger))
			for k, v := range trigger {
				result[k] = v
			}
			return result, nil
		}
		return map[string]interface{}{"outputs": outputs}, nil

	default:
		if expression, ok := data["expression"].(string); ok && expression != "" {
			value, err := e.evaluator.Evaluate(expression, map[string]interface{}{
				"inputs":  outputs,
				"data":    data,
				"trigger": trigger,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
			}
			return map[string]interface{}{"result": value}, nil
		}
		if len(upstream) == 1 {
			result := make(map[string]interface{}, len(upstream[0].log.OutputData))
			for k, v := range upstream[0].log.OutputData {
				result[k] = v
			}
			return result, nil
		}
		return map[string]interface{}{"inputs": outputs}, nil
	}
}
