package kb

import "testing"

func TestParseDelta_MalformedPayload(t *testing.T) {
	d := ParseDelta("not-json")
	if d.Content != "" || d.HasSources {
		t.Fatalf("malformed payload should yield an empty delta, got %+v", d)
	}
}

func TestParseDelta_ContentPriority(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"message content", `{"choices":[{"message":{"content":"from message"}}]}`, "from message"},
		{"delta content", `{"choices":[{"delta":{"content":"from delta"}}]}`, "from delta"},
		{"data answer", `{"data":{"answer":"from data"}}`, "from data"},
		{"answer", `{"answer":"from answer"}`, "from answer"},
		{"direct content", `{"content":"direct"}`, "direct"},
		{"message beats answer", `{"answer":"late","choices":[{"message":{"content":"early"}}]}`, "early"},
	}
	for _, tc := range cases {
		d := ParseDelta(tc.payload)
		if d.Content != tc.want {
			t.Fatalf("%s: content = %q, want %q", tc.name, d.Content, tc.want)
		}
	}
}

func TestParseDelta_ReferenceChunks(t *testing.T) {
	payload := `{"data":{"answer":"x","reference":{"chunks":[
		{"id":"c1","document_id":"d1","dataset_id":"k1","content":"snippet","similarity":0.9},
		{"id":"c2","document_id":"d2","dataset_id":"k1"}
	],"doc_aggs":[{"doc_id":"d2","doc_name":"manual.pdf"}]}}}`

	d := ParseDelta(payload)
	if !d.HasSources || len(d.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %+v", d)
	}
	if d.Sources[0].ID != "c1" || d.Sources[0].Content != "snippet" {
		t.Fatalf("unexpected first source: %+v", d.Sources[0])
	}
	if d.Sources[0].Similarity == nil || *d.Sources[0].Similarity != 0.9 {
		t.Fatalf("similarity not parsed: %+v", d.Sources[0])
	}
	// doc_aggs backfills the missing name
	if d.Sources[1].DocumentName != "manual.pdf" {
		t.Fatalf("doc name not backfilled: %+v", d.Sources[1])
	}
}

func TestParseDelta_ReferenceList(t *testing.T) {
	d := ParseDelta(`{"reference":[{"id":"a","chunk_id":"ignored"},{"id":"b"}]}`)
	if !d.HasSources || len(d.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %+v", d)
	}
	if d.Sources[0].ID != "a" || d.Sources[1].ID != "b" {
		t.Fatalf("unexpected sources: %+v", d.Sources)
	}
}

func TestParseDelta_ReferenceMapOfRecords(t *testing.T) {
	d := ParseDelta(`{"reference":{"r1":{"id":"a"},"r0":{"id":"b"}}}`)
	if !d.HasSources || len(d.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %+v", d)
	}
	// deterministic key order
	if d.Sources[0].ID != "b" || d.Sources[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", d.Sources)
	}
}

func TestParseDelta_FieldAliases(t *testing.T) {
	d := ParseDelta(`{"reference":{"chunks":[{"chunk_id":"c","doc_id":"d","kb_id":"k","doc_name":"n.txt","content_with_weight":"w","doc_type_kwd":"pdf","img_id":"i"}]}}`)
	if !d.HasSources || len(d.Sources) != 1 {
		t.Fatalf("expected 1 source, got %+v", d)
	}
	s := d.Sources[0]
	if s.ID != "c" || s.DocumentID != "d" || s.DatasetID != "k" ||
		s.DocumentName != "n.txt" || s.Content != "w" || s.DocType != "pdf" || s.ImageID != "i" {
		t.Fatalf("aliases not applied: %+v", s)
	}
}

func TestParseDelta_EmptyDelta(t *testing.T) {
	d := ParseDelta(`{"other":"field"}`)
	if d.Content != "" || d.HasSources {
		t.Fatalf("expected no-op delta, got %+v", d)
	}
}
