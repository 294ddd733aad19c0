//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

const (
	defaultMaxLength = 512
	defaultBatchSize = 64
)

// FastEmbedConfig configures the in-process ONNX provider.
type FastEmbedConfig struct {
	// Model is a Hugging Face name from localModels or its fastembed id.
	Model string
	// CacheDir receives downloaded model bundles; empty means
	// ~/.cache/memsync/models.
	CacheDir string
	// MaxLength truncates inputs, in tokens.
	MaxLength int
	// BatchSize bounds how many records go through the runtime per call.
	BatchSize int
}

// FastEmbedProvider embeds memory records on this device without a server.
type FastEmbedProvider struct {
	mu    sync.RWMutex
	flag  *fastembed.FlagEmbedding
	model localModel
	batch int
}

// NewFastEmbedProvider loads cfg.Model, downloading it into the cache on
// first use.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	model, ok := lookupModel(cfg.Model)
	if !ok {
		return nil, fmt.Errorf("%w: fastembed cannot load %q, use one of %s", ErrInvalidConfig, cfg.Model, supportedModels())
	}

	dir := cfg.CacheDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: embeddings.cache_dir unset and no home directory: %v", ErrInvalidConfig, err)
		}
		dir = filepath.Join(home, ".cache", "memsync", "models")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating model cache %s: %w", dir, err)
	}

	maxLen := cfg.MaxLength
	if maxLen <= 0 {
		maxLen = defaultMaxLength
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	quiet := false
	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                fastembed.EmbeddingModel(model.id),
		CacheDir:             dir,
		MaxLength:            maxLen,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s from %s: %w", model.id, dir, err)
	}
	return &FastEmbedProvider{flag: flag, model: model, batch: batch}, nil
}

// EmbedDocuments embeds record content with the passage prefix. Long
// inputs are split into batches and ctx is checked between them, so an
// index rebuild can be cancelled mid-way.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no documents", ErrEmptyInput)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.flag == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+p.batch, len(texts))
		vecs, err := p.flag.PassageEmbed(texts[start:end], p.batch)
		if err != nil {
			return nil, fmt.Errorf("%w: documents %d-%d: %v", ErrEmbeddingFailed, start, end-1, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a search query with the query prefix.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty query", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.flag == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}

	vec, err := p.flag.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

func (p *FastEmbedProvider) Dimension() int { return p.model.dim }

// Close frees the ONNX session. Calls after the first are no-ops.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flag == nil {
		return nil
	}
	err := p.flag.Destroy()
	p.flag = nil
	return err
}
