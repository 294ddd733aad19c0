package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheLookups counts document embedding cache lookups.
	// Labels: result (hit, miss)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memsync",
			Subsystem: "embeddings",
			Name:      "cache_lookups_total",
			Help:      "Document embedding cache lookups by result",
		},
		[]string{"result"},
	)
)

// Cache wraps a Provider and remembers document vectors by the sha256 of
// their text. Queries are not cached.
type Cache struct {
	Provider
	cache *ristretto.Cache
}

// NewCache wraps p with a cache holding up to entries vectors.
func NewCache(p Provider, entries int64) (*Cache, error) {
	if entries <= 0 {
		return nil, fmt.Errorf("%w: cache entries must be positive", ErrInvalidConfig)
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: entries * 10,
		MaxCost:     entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &Cache{Provider: p, cache: c}, nil
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbedDocuments serves cached vectors and embeds only the misses, in one
// batch, in input order.
func (c *Cache) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, t := range texts {
		if v, ok := c.cache.Get(textKey(t)); ok {
			out[i] = v.([]float32)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	CacheLookups.WithLabelValues("hit").Add(float64(len(texts) - len(missIdx)))
	CacheLookups.WithLabelValues("miss").Add(float64(len(missIdx)))
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.Provider.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Set(textKey(missTexts[j]), vecs[j], 1)
	}
	c.cache.Wait()
	return out, nil
}

// Close releases the cache and the wrapped provider.
func (c *Cache) Close() error {
	c.cache.Close()
	return c.Provider.Close()
}
