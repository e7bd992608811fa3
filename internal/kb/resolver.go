package kb

import (
	"context"
	"log"
	"sync"
)

// ChunkFetcher is the out-of-band chunk metadata lookup collaborator.
type ChunkFetcher interface {
	GetChunk(ctx context.Context, datasetID, documentID, chunkID string) (Source, error)
}

// Resolver fills missing display metadata on sources, memoizing lookups in a
// shared cache. The cache is injected so tests can seed or inspect it and so
// several sessions can share one.
type Resolver struct {
	fetcher ChunkFetcher
	cache   *SourceCache
}

func NewResolver(fetcher ChunkFetcher, cache *SourceCache) *Resolver {
	if cache == nil {
		cache = NewSourceCache()
	}
	return &Resolver{fetcher: fetcher, cache: cache}
}

// Resolve returns src with display metadata filled in. Lookup failures are
// logged and swallowed: a citation with partial metadata beats blocking the
// whole message.
func (r *Resolver) Resolve(ctx context.Context, src Source) Source {
	key, cacheable := src.Key()

	if cacheable {
		if cached, ok := r.cache.Get(key); ok && cached.displayComplete() {
			return MergeSource(src, cached)
		}
	}

	// Already carries enough to display; seed the cache for later citations
	// of the same chunk instead of looking anything up.
	if src.selfSufficient() {
		if cacheable {
			r.cache.Put(key, src)
		}
		return src
	}

	// The lookup is keyed by the full identity triple; without it there is
	// nothing to ask the collaborator for.
	if !cacheable || r.fetcher == nil {
		return src
	}

	looked, err := r.fetcher.GetChunk(ctx, key.DatasetID, key.DocumentID, key.ChunkID)
	if err != nil {
		log.Printf("kb: chunk lookup failed dataset=%s document=%s chunk=%s err=%v",
			key.DatasetID, key.DocumentID, key.ChunkID, err)
		return src
	}

	merged := MergeSource(src, looked)
	r.cache.Put(key, merged)
	return merged
}

// ResolveAll resolves a batch concurrently. The returned slice preserves
// input order regardless of completion order.
func (r *Resolver) ResolveAll(ctx context.Context, sources []Source) []Source {
	if len(sources) == 0 {
		return nil
	}
	out := make([]Source, len(sources))
	var wg sync.WaitGroup
	wg.Add(len(sources))
	for i, s := range sources {
		go func(i int, s Source) {
			defer wg.Done()
			out[i] = r.Resolve(ctx, s)
		}(i, s)
	}
	wg.Wait()
	return out
}

// Cache exposes the underlying cache, shared across sessions.
func (r *Resolver) Cache() *SourceCache { return r.cache }
