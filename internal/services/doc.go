// Package services wires the components of one device together.
//
// Open builds the local store, the vector index and its drift monitor, the
// sync engine, and the auto-indexer from configuration. The Registry hands
// them to the HTTP layer; Admin implements the administrative operations.
// User writes go through Writer, which applies the visibility and quota
// checks before the local store and keeps the index current.
package services
