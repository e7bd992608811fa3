package kb

import (
	"encoding/json"
	"sort"
)

// Delta is the parsed content of one frame: a content fragment and/or a
// reference batch. A frame that parses to neither is a no-op.
type Delta struct {
	Content    string
	Sources    []Source
	HasSources bool
}

// contentExtractors are tried in priority order; first non-empty match wins.
// The upstream emits several payload shapes over the life of one stream.
var contentExtractors = []func(map[string]any) string{
	func(root map[string]any) string { // choices[0].message.content
		return choiceField(root, "message")
	},
	func(root map[string]any) string { // choices[0].delta.content
		return choiceField(root, "delta")
	},
	func(root map[string]any) string { // data.answer
		if data, ok := root["data"].(map[string]any); ok {
			if s, ok := data["answer"].(string); ok {
				return s
			}
		}
		return ""
	},
	func(root map[string]any) string { // answer
		s, _ := root["answer"].(string)
		return s
	},
	func(root map[string]any) string { // content
		s, _ := root["content"].(string)
		return s
	},
}

func choiceField(root map[string]any, field string) string {
	choices, ok := root["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	inner, ok := first[field].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := inner["content"].(string)
	return s
}

// ParseDelta parses one frame payload. A payload that is not JSON yields an
// empty delta; the frame is skipped, the stream goes on.
func ParseDelta(payload string) Delta {
	var root map[string]any
	if err := json.Unmarshal([]byte(payload), &root); err != nil {
		return Delta{}
	}

	var d Delta
	for _, extract := range contentExtractors {
		if s := extract(root); s != "" {
			d.Content = s
			break
		}
	}

	ref, ok := referenceValue(root)
	if !ok {
		return d
	}
	if batch, ok := normalizeBatch(ref); ok {
		d.Sources = batch
		d.HasSources = true
	}
	return d
}

// referenceValue finds the reference substructure, preferring the nested
// data.reference location over a top-level one.
func referenceValue(root map[string]any) (any, bool) {
	if data, ok := root["data"].(map[string]any); ok {
		if ref, ok := data["reference"]; ok && ref != nil {
			return ref, true
		}
	}
	if ref, ok := root["reference"]; ok && ref != nil {
		return ref, true
	}
	return nil, false
}

// normalizeBatch accepts a reference delivered as {chunks: [...], doc_aggs:
// [...]}, as a bare list of records, or as a map whose values are records.
func normalizeBatch(ref any) ([]Source, bool) {
	switch v := ref.(type) {
	case map[string]any:
		nameByDoc := docNameTable(v)
		if chunks, ok := v["chunks"].([]any); ok {
			return sourcesFromList(chunks, nameByDoc), true
		}
		// map-of-records form: values are candidate source records, keyed by
		// an opaque id. Sort keys so the batch order is deterministic.
		keys := make([]string, 0, len(v))
		for k, val := range v {
			if _, ok := val.(map[string]any); ok {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return nil, false
		}
		sort.Strings(keys)
		out := make([]Source, 0, len(keys))
		for _, k := range keys {
			out = append(out, sourceFromRaw(v[k].(map[string]any), nameByDoc))
		}
		return out, true
	case []any:
		return sourcesFromList(v, nil), true
	default:
		return nil, false
	}
}

// docNameTable maps documentId -> documentName from the document aggregate
// substructure, used to backfill names missing on individual records.
func docNameTable(ref map[string]any) map[string]string {
	aggs, ok := ref["doc_aggs"].([]any)
	if !ok {
		return nil
	}
	table := make(map[string]string, len(aggs))
	for _, a := range aggs {
		agg, ok := a.(map[string]any)
		if !ok {
			continue
		}
		id := rawString(agg, "doc_id", "document_id")
		name := rawString(agg, "doc_name", "document_name")
		if id != "" && name != "" {
			table[id] = name
		}
	}
	return table
}

func sourcesFromList(list []any, nameByDoc map[string]string) []Source {
	out := make([]Source, 0, len(list))
	for _, item := range list {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, sourceFromRaw(raw, nameByDoc))
	}
	return out
}
