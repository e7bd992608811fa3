package kb

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	resp  Source
	err   error
}

func (f *fakeFetcher) GetChunk(ctx context.Context, datasetID, documentID, chunkID string) (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Source{}, f.err
	}
	return f.resp, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestResolve_CacheHitSkipsLookup(t *testing.T) {
	fetcher := &fakeFetcher{resp: Source{
		DocumentName: "guide.pdf",
		Title:        "Guide",
		URL:          "https://kb/guide",
		DocType:      "pdf",
	}}
	r := NewResolver(fetcher, NewSourceCache())

	first := Source{ID: "c1", DocumentID: "d1", DatasetID: "k1"}
	resolved := r.Resolve(context.Background(), first)
	if fetcher.callCount() != 1 {
		t.Fatalf("expected 1 lookup, got %d", fetcher.callCount())
	}
	if resolved.DocumentName != "guide.pdf" || resolved.URL != "https://kb/guide" {
		t.Fatalf("lookup fields not merged: %+v", resolved)
	}

	// same identity key, still missing fields: cache hit, no second call
	second := r.Resolve(context.Background(), Source{ID: "c1", DocumentID: "d1", DatasetID: "k1"})
	if fetcher.callCount() != 1 {
		t.Fatalf("expected cache hit, got %d lookups", fetcher.callCount())
	}
	if second.DocumentName != "guide.pdf" || second.Title != "Guide" || second.DocType != "pdf" {
		t.Fatalf("cache fields not merged: %+v", second)
	}
}

func TestResolve_SelfSufficientSeedsCache(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := NewSourceCache()
	r := NewResolver(fetcher, cache)

	src := Source{
		ID: "c1", DocumentID: "d1", DatasetID: "k1",
		DocumentName: "spec.md", URL: "https://kb/spec",
	}
	out := r.Resolve(context.Background(), src)
	if fetcher.callCount() != 0 {
		t.Fatalf("self-sufficient source triggered a lookup")
	}
	if !reflect.DeepEqual(out, src) {
		t.Fatalf("self-sufficient source changed: %+v", out)
	}
	key, _ := src.Key()
	if _, ok := cache.Get(key); !ok {
		t.Fatalf("cache not seeded")
	}
}

func TestResolve_ExplicitFieldsWinOverLookup(t *testing.T) {
	fetcher := &fakeFetcher{resp: Source{DocumentName: "from-lookup", Title: "T"}}
	r := NewResolver(fetcher, NewSourceCache())

	out := r.Resolve(context.Background(), Source{
		ID: "c1", DocumentID: "d1", DatasetID: "k1",
		DocumentName: "explicit-name",
	})
	if out.DocumentName != "explicit-name" {
		t.Fatalf("lookup overwrote an explicit field: %+v", out)
	}
	if out.Title != "T" {
		t.Fatalf("lookup did not fill the missing field: %+v", out)
	}
}

func TestResolve_LookupFailureReturnsOriginal(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	r := NewResolver(fetcher, NewSourceCache())

	src := Source{ID: "c1", DocumentID: "d1", DatasetID: "k1", Content: "snippet"}
	out := r.Resolve(context.Background(), src)
	if !reflect.DeepEqual(out, src) {
		t.Fatalf("failed lookup should return the original record, got %+v", out)
	}
}

func TestResolve_UncacheableReturnsAsIs(t *testing.T) {
	fetcher := &fakeFetcher{}
	r := NewResolver(fetcher, NewSourceCache())

	src := Source{ID: "c1", Content: "no identity"}
	out := r.Resolve(context.Background(), src)
	if fetcher.callCount() != 0 {
		t.Fatalf("uncacheable source triggered a lookup")
	}
	if out.Content != "no identity" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestResolveAll_PreservesOrder(t *testing.T) {
	fetcher := &fakeFetcher{resp: Source{DocumentName: "n", URL: "u"}}
	r := NewResolver(fetcher, NewSourceCache())

	var in []Source
	for i := 0; i < 8; i++ {
		in = append(in, Source{ID: fmt.Sprintf("c%d", i), DocumentID: "d", DatasetID: fmt.Sprintf("k%d", i)})
	}
	out := r.ResolveAll(context.Background(), in)
	if len(out) != len(in) {
		t.Fatalf("expected %d results, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i].ID != in[i].ID || out[i].DatasetID != in[i].DatasetID {
			t.Fatalf("order not preserved at %d: %+v", i, out[i])
		}
	}
}

func TestSourceCache_MonotoneEnrichment(t *testing.T) {
	cache := NewSourceCache()
	key := SourceKey{DatasetID: "k", DocumentID: "d", ChunkID: "c"}

	cache.Put(key, Source{ID: "c", DocumentName: "name"})
	cache.Put(key, Source{ID: "c", Title: "title"})
	cache.Put(key, Source{ID: "c", DocumentName: ""}) // blank never clobbers

	got, ok := cache.Get(key)
	if !ok {
		t.Fatalf("entry missing")
	}
	if got.DocumentName != "name" || got.Title != "title" {
		t.Fatalf("enrichment lost fields: %+v", got)
	}
}
