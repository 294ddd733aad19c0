package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/memsync/internal/secrets"
)

func TestNewRegistry(t *testing.T) {
	var _ Registry = (*registry)(nil)
}

func TestRegistryAccessors(t *testing.T) {
	reg := NewRegistry(Options{})
	assert.Nil(t, reg.Store())
	assert.Nil(t, reg.Index())
	assert.Nil(t, reg.Drift())
	assert.Nil(t, reg.Engine())
	assert.Nil(t, reg.Indexer())
	assert.Nil(t, reg.Writer())
	assert.Nil(t, reg.Scrubber())

	scrubber := secrets.NoopScrubber{}
	w := &Writer{}
	reg = NewRegistry(Options{Scrubber: scrubber, Writer: w})
	assert.Equal(t, scrubber, reg.Scrubber())
	assert.Same(t, w, reg.Writer())
}
