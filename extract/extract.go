// Package extract normalizes completed provider payloads.
//
// Payloads carry one of several optional shapes (images, video, audio,
// output, mesh, image). Matchers are tried in a fixed priority order and
// the first one that matches decides the output URL.
package extract

// Kind names the payload shape that produced a Result.
type Kind string

const (
	KindImages  Kind = "images"
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindOutput  Kind = "output"
	KindMesh    Kind = "mesh"
	KindImage   Kind = "image"
	KindUnknown Kind = "unknown"
)

// Result is the canonical view of a completed job.
type Result struct {
	Kind         Kind
	OutputURL    string
	ThumbnailURL string
	// OutputData echoes the matched substructure, or the whole payload when
	// nothing matched.
	OutputData interface{}
	Raw        map[string]interface{}
}

// Map renders the result as log output data.
func (r Result) Map() map[string]interface{} {
	m := map[string]interface{}{
		"kind":      string(r.Kind),
		"outputUrl": r.OutputURL,
		"data":      r.OutputData,
		"raw":       r.Raw,
	}
	if r.ThumbnailURL != "" {
		m["thumbnailUrl"] = r.ThumbnailURL
	}
	return m
}

// Matcher recognises one payload shape.
type Matcher struct {
	Kind  Kind
	Match func(payload map[string]interface{}) (url string, data interface{}, ok bool)
}

// Matchers is the priority order used by Extract.
var Matchers = []Matcher{
	{Kind: KindImages, Match: matchArray("images")},
	{Kind: KindVideo, Match: matchObject("video")},
	{Kind: KindAudio, Match: matchObject("audio", "audio_file")},
	{Kind: KindOutput, Match: matchObject("output")},
	{Kind: KindMesh, Match: matchObject("mesh", "model_mesh")},
	{Kind: KindImage, Match: matchObject("image")},
}

// Extract normalizes raw using Matchers.
func Extract(raw map[string]interface{}) Result {
	return ExtractWith(Matchers, raw)
}

// ExtractWith normalizes raw using the given matcher order.
func ExtractWith(matchers []Matcher, raw map[string]interface{}) Result {
	res := Result{Kind: KindUnknown, OutputData: raw, Raw: raw}
	for _, m := range matchers {
		if url, data, ok := m.Match(raw); ok {
			res.Kind = m.Kind
			res.OutputURL = url
			res.OutputData = data
			break
		}
	}
	res.ThumbnailURL = thumbnail(raw)
	return res
}

func thumbnail(raw map[string]interface{}) string {
	if video, ok := raw["video"].(map[string]interface{}); ok {
		if u, ok := video["thumbnail_url"].(string); ok && u != "" {
			return u
		}
	}
	if thumb, ok := raw["thumbnail"].(map[string]interface{}); ok {
		if u, ok := thumb["url"].(string); ok {
			return u
		}
	}
	return ""
}

func matchArray(key string) func(map[string]interface{}) (string, interface{}, bool) {
	return func(raw map[string]interface{}) (string, interface{}, bool) {
		items, ok := raw[key].([]interface{})
		if !ok || len(items) == 0 {
			return "", nil, false
		}
		first, _ := items[0].(map[string]interface{})
		url, _ := first["url"].(string)
		return url, items, true
	}
}

func matchObject(keys ...string) func(map[string]interface{}) (string, interface{}, bool) {
	return func(raw map[string]interface{}) (string, interface{}, bool) {
		for _, key := range keys {
			switch v := raw[key].(type) {
			case map[string]interface{}:
				url, _ := v["url"].(string)
				return url, v, true
			case []interface{}:
				if len(v) == 0 {
					continue
				}
				first, _ := v[0].(map[string]interface{})
				url, _ := first["url"].(string)
				return url, v, true
			case string:
				if v != "" {
					return v, v, true
				}
			}
		}
		return "", nil, false
	}
}
