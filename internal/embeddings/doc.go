// Package embeddings provides the embedding capability consumed by the
// vector index.
//
// Three providers are available: FastEmbed (local ONNX, cgo builds only),
// TEI (a text-embeddings-inference server over HTTP) and a deterministic
// hash embedder used in tests and on machines without a model. Any of them
// can be wrapped in a Cache keyed by content hash so an index rebuild does
// not re-embed unchanged records.
package embeddings
