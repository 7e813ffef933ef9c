package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/genflow/storage"
)

const yamlWorkflow = `id: wf-yaml
name: text to image
nodes:
  - id: A
    type: text
    data:
      content: a cat
  - id: B
    type: flux-dev
edges:
  - source_node_id: A
    target_node_id: B
`

const jsonWorkflow = `{"name": "no id", "user_id": "owner-2",
  "nodes": [{"id": "A", "type": "text"}], "edges": []}`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestSeedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), yamlWorkflow)
	writeFile(t, filepath.Join(dir, "nested", "deep", "b.yaml"), yamlWorkflow)
	writeFile(t, filepath.Join(dir, "nested", "c.txt"), "ignored")

	files, err := seedFiles(filepath.Join(dir, "**", "*.yaml"), []string{"explicit.json"})
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.Equal(t, "explicit.json", files[0])

	_, err = seedFiles("[", nil)
	assert.Error(t, err)
}

func TestSeed(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "wf.yaml")
	jsn := filepath.Join(dir, "wf.json")
	writeFile(t, yml, yamlWorkflow)
	writeFile(t, jsn, jsonWorkflow)

	ctx := context.Background()
	store := storage.NewMemoryStorage()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	n, err := seed(ctx, store, logger, []string{yml, jsn}, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	wf, err := store.GetWorkflow(ctx, "wf-yaml")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", wf.UserID)
	require.Len(t, wf.Edges, 1)
	assert.Equal(t, "A", wf.Edges[0].Source)
	assert.Equal(t, "B", wf.Edges[0].Target)
	assert.Equal(t, "a cat", wf.Nodes[0].Data["content"])

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "id: bad\nnodes:\n  - id: A\n    type: text\n  - id: A\n    type: text\n")
	n, err = seed(ctx, store, logger, []string{bad}, "owner-1")
	assert.Error(t, err)
	assert.Zero(t, n)

	_, err = seed(ctx, store, logger, []string{filepath.Join(dir, "missing.yaml")}, "")
	assert.Error(t, err)
}
