package services

import (
	"github.com/fyrsmithlabs/memsync/internal/indexer"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/secrets"
	"github.com/fyrsmithlabs/memsync/internal/syncengine"
	"github.com/fyrsmithlabs/memsync/internal/vectorindex"
)

// Registry provides access to the services of a device.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Store() *localstore.Store
	Index() *vectorindex.Manager
	Drift() *vectorindex.DriftMonitor
	Engine() *syncengine.Engine
	Indexer() *indexer.Indexer
	Writer() *Writer
	Scrubber() secrets.Scrubber
}

// Options configures the registry with service instances.
type Options struct {
	Store    *localstore.Store
	Index    *vectorindex.Manager
	Drift    *vectorindex.DriftMonitor
	Engine   *syncengine.Engine
	Indexer  *indexer.Indexer
	Writer   *Writer
	Scrubber secrets.Scrubber
}

// registry is the concrete implementation of Registry.
type registry struct {
	store    *localstore.Store
	index    *vectorindex.Manager
	drift    *vectorindex.DriftMonitor
	engine   *syncengine.Engine
	indexer  *indexer.Indexer
	writer   *Writer
	scrubber secrets.Scrubber
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		store:    opts.Store,
		index:    opts.Index,
		drift:    opts.Drift,
		engine:   opts.Engine,
		indexer:  opts.Indexer,
		writer:   opts.Writer,
		scrubber: opts.Scrubber,
	}
}

func (r *registry) Store() *localstore.Store         { return r.store }
func (r *registry) Index() *vectorindex.Manager      { return r.index }
func (r *registry) Drift() *vectorindex.DriftMonitor { return r.drift }
func (r *registry) Engine() *syncengine.Engine       { return r.engine }
func (r *registry) Indexer() *indexer.Indexer        { return r.indexer }
func (r *registry) Writer() *Writer                  { return r.writer }
func (r *registry) Scrubber() secrets.Scrubber       { return r.scrubber }
