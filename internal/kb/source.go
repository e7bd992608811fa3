package kb

import "strconv"

// Source is the metadata for one cited document chunk. Empty fields mean
// "unknown": later enrichment may fill them but never blanks a known value.
type Source struct {
	ID               string   `json:"id,omitempty"`
	DocumentID       string   `json:"document_id,omitempty"`
	DatasetID        string   `json:"dataset_id,omitempty"`
	DocumentName     string   `json:"document_name,omitempty"`
	Title            string   `json:"title,omitempty"`
	URL              string   `json:"url,omitempty"`
	DownloadURL      string   `json:"download_url,omitempty"`
	Content          string   `json:"content,omitempty"`
	Positions        []string `json:"positions,omitempty"`
	Similarity       *float64 `json:"similarity,omitempty"`
	VectorSimilarity *float64 `json:"vector_similarity,omitempty"`
	TermSimilarity   *float64 `json:"term_similarity,omitempty"`
	DocType          string   `json:"doc_type,omitempty"`
	ImageID          string   `json:"image_id,omitempty"`
}

// SourceKey identifies a source for caching. Valid only when all three parts
// are present; anything less is resolved ad hoc and never cached.
type SourceKey struct {
	DatasetID  string
	DocumentID string
	ChunkID    string
}

func (s Source) Key() (SourceKey, bool) {
	if s.DatasetID == "" || s.DocumentID == "" || s.ID == "" {
		return SourceKey{}, false
	}
	return SourceKey{DatasetID: s.DatasetID, DocumentID: s.DocumentID, ChunkID: s.ID}, true
}

// selfSufficient reports whether the record already carries enough display
// metadata that no lookup is needed.
func (s Source) selfSufficient() bool {
	return s.DocumentName != "" && (s.URL != "" || s.DownloadURL != "")
}

// displayComplete reports whether a cached record can satisfy a citation
// without any lookup at all.
func (s Source) displayComplete() bool {
	return s.DocumentName != "" && s.Title != "" && (s.URL != "" || s.DownloadURL != "") && s.DocType != ""
}

// MergeSource fills primary's unknown fields from secondary. Known fields on
// primary always win, so repeated merges from either direction commute.
func MergeSource(primary, secondary Source) Source {
	out := primary
	if out.ID == "" {
		out.ID = secondary.ID
	}
	if out.DocumentID == "" {
		out.DocumentID = secondary.DocumentID
	}
	if out.DatasetID == "" {
		out.DatasetID = secondary.DatasetID
	}
	if out.DocumentName == "" {
		out.DocumentName = secondary.DocumentName
	}
	if out.Title == "" {
		out.Title = secondary.Title
	}
	if out.URL == "" {
		out.URL = secondary.URL
	}
	if out.DownloadURL == "" {
		out.DownloadURL = secondary.DownloadURL
	}
	if out.Content == "" {
		out.Content = secondary.Content
	}
	if len(out.Positions) == 0 {
		out.Positions = secondary.Positions
	}
	if out.Similarity == nil {
		out.Similarity = secondary.Similarity
	}
	if out.VectorSimilarity == nil {
		out.VectorSimilarity = secondary.VectorSimilarity
	}
	if out.TermSimilarity == nil {
		out.TermSimilarity = secondary.TermSimilarity
	}
	if out.DocType == "" {
		out.DocType = secondary.DocType
	}
	if out.ImageID == "" {
		out.ImageID = secondary.ImageID
	}
	return out
}

// sourceFromRaw builds a Source from a loosely typed record, tolerating the
// field aliases the upstream uses across payload shapes.
func sourceFromRaw(raw map[string]any, nameByDoc map[string]string) Source {
	s := Source{
		ID:           rawString(raw, "id", "chunk_id"),
		DocumentID:   rawString(raw, "document_id", "doc_id"),
		DatasetID:    rawString(raw, "dataset_id", "kb_id"),
		DocumentName: rawString(raw, "document_name", "doc_name"),
		Title:        rawString(raw, "title", "document_title"),
		URL:          rawString(raw, "url"),
		DownloadURL:  rawString(raw, "download_url"),
		Content:      rawString(raw, "content", "content_with_weight"),
		DocType:      rawString(raw, "doc_type", "doc_type_kwd"),
		ImageID:      rawString(raw, "image_id", "img_id"),
	}

	s.Similarity = rawFloat(raw, "similarity")
	s.VectorSimilarity = rawFloat(raw, "vector_similarity")
	s.TermSimilarity = rawFloat(raw, "term_similarity")

	if v, ok := raw["positions"]; ok {
		if list, ok := v.([]any); ok {
			for _, p := range list {
				switch pv := p.(type) {
				case string:
					s.Positions = append(s.Positions, pv)
				case float64:
					s.Positions = append(s.Positions, strconv.FormatFloat(pv, 'f', -1, 64))
				}
			}
		}
	}

	if s.DocumentName == "" && s.DocumentID != "" {
		s.DocumentName = nameByDoc[s.DocumentID]
	}
	return s
}

func rawString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func rawFloat(raw map[string]any, key string) *float64 {
	if v, ok := raw[key].(float64); ok {
		return &v
	}
	return nil
}
