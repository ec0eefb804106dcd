package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"
)

const queryCacheSize = 5000

// queryCache memoizes compiled queries keyed by a structural hash of the
// source document.
type queryCache struct {
	cache *lru.TwoQueueCache[uint64, *CompiledQuery]
}

func newQueryCache() (*queryCache, error) {
	c, err := lru.New2Q[uint64, *CompiledQuery](queryCacheSize)
	if err != nil {
		return nil, err
	}
	return &queryCache{cache: c}, nil
}

func (c *queryCache) get(doc string) (*CompiledQuery, bool) {
	key, err := hashstructure.Hash(doc, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *queryCache) put(doc string, cq *CompiledQuery) {
	key, err := hashstructure.Hash(doc, hashstructure.FormatV2, nil)
	if err != nil {
		return
	}
	c.cache.Add(key, cq)
}
