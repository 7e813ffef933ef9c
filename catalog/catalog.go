// Package catalog holds the static lookup tables that drive node
// classification and model routing.
package catalog

import (
	"sort"

	"github.com/songzhibin97/genflow/types"
)

// Table is an immutable string-keyed lookup table.
type Table[V any] struct {
	entries map[string]V
}

// NewTable copies entries into a new Table.
func NewTable[V any](entries map[string]V) Table[V] {
	m := make(map[string]V, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Table[V]{entries: m}
}

// Lookup returns the value for key and whether it was present.
func (t Table[V]) Lookup(key string) (V, bool) {
	v, ok := t.entries[key]
	return v, ok
}

// Keys returns the table keys in sorted order.
func (t Table[V]) Keys() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (t Table[V]) Len() int {
	return len(t.entries)
}

// Catalog bundles the category, model routing and reroute tables.
type Catalog struct {
	// Categories is consulted first when classifying a node type.
	Categories Table[types.NodeCategory]
	// Models maps a generation node type to its provider model id.
	Models Table[string]
	// Reroutes maps a text-to-video model id to its image-to-video counterpart.
	Reroutes Table[string]
}

// Classify maps a node type to its category. Unknown types are utility.
func (c Catalog) Classify(nodeType string) types.NodeCategory {
	if cat, ok := c.Categories.Lookup(nodeType); ok {
		return cat
	}
	if _, ok := c.Models.Lookup(nodeType); ok {
		return types.CategoryGeneration
	}
	return types.CategoryUtility
}

// Executable reports whether nodes of this type get a log row.
func (c Catalog) Executable(nodeType string) bool {
	return c.Classify(nodeType) != types.CategoryAnnotation
}

var defaultCatalog = Catalog{
	Categories: NewTable(map[string]types.NodeCategory{
		"text":   types.CategoryInput,
		"file":   types.CategoryInput,
		"image":  types.CategoryInput,
		"number": types.CategoryInput,
		"toggle": types.CategoryInput,
		"seed":   types.CategoryInput,
		"start":  types.CategoryWorkflow,
		"output": types.CategoryWorkflow,
		"note":   types.CategoryAnnotation,
		"group":  types.CategoryAnnotation,
		"label":  types.CategoryAnnotation,
	}),
	Models: NewTable(map[string]string{
		"flux-pro":           "fal-ai/flux-pro/v1.1",
		"flux-dev":           "fal-ai/flux/dev",
		"flux-schnell":       "fal-ai/flux/schnell",
		"recraft-v3":         "fal-ai/recraft-v3",
		"kling-video":        "fal-ai/kling-video/v1.6/standard/text-to-video",
		"minimax-video":      "fal-ai/minimax/video-01",
		"luma-dream-machine": "fal-ai/luma-dream-machine",
		"hunyuan-video":      "fal-ai/hunyuan-video",
		"stable-audio":       "fal-ai/stable-audio",
		"mmaudio":            "fal-ai/mmaudio-v2",
		"whisper":            "fal-ai/whisper",
		"trellis":            "fal-ai/trellis",
		"clarity-upscaler":   "fal-ai/clarity-upscaler",
		"remove-background":  "fal-ai/birefnet",
	}),
	Reroutes: NewTable(map[string]string{
		"fal-ai/kling-video/v1.6/standard/text-to-video": "fal-ai/kling-video/v1.6/standard/image-to-video",
		"fal-ai/minimax/video-01":                        "fal-ai/minimax/video-01/image-to-video",
		"fal-ai/luma-dream-machine":                      "fal-ai/luma-dream-machine/image-to-video",
		"fal-ai/hunyuan-video":                           "fal-ai/hunyuan-video-image-to-video",
	}),
}

// Default returns the built-in catalog.
func Default() Catalog {
	return defaultCatalog
}

// Classify classifies nodeType against the built-in catalog.
func Classify(nodeType string) types.NodeCategory {
	return defaultCatalog.Classify(nodeType)
}
