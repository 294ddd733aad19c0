package http

import (
	"github.com/fyrsmithlabs/memsync/internal/indexer"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/remote"
	"github.com/fyrsmithlabs/memsync/internal/syncengine"
	"github.com/fyrsmithlabs/memsync/internal/vectorindex"
)

const maxSearchResults = 100

// HealthResponse is the response body for GET /health on the admin API.
type HealthResponse struct {
	Status      string `json:"status"` // "ok" or "degraded"
	DeviceID    string `json:"device_id,omitempty"`
	Sync        string `json:"sync,omitempty"`
	PendingPush int    `json:"pending_push"`
	IndexDrift  bool   `json:"index_drift"`
}

// HubHealthResponse is the response body for GET /health on the sync server.
type HubHealthResponse struct {
	Status string          `json:"status"`
	Hub    remote.HubStats `json:"hub"`
}

// TriggerResponse is the response body for POST /api/v1/sync/trigger.
// Result is set only when the caller waited for the cycle.
type TriggerResponse struct {
	Triggered bool               `json:"triggered"`
	Result    *syncengine.Result `json:"result,omitempty"`
}

// IngestRequest is the request body for POST /api/v1/ingest. An empty path
// runs every source.
type IngestRequest struct {
	Path string `json:"path,omitempty"`
}

// IngestResponse is the response body for POST /api/v1/ingest.
type IngestResponse struct {
	Sources []indexer.Summary `json:"sources"`
}

// SearchResponse is the response body for GET /api/v1/search.
type SearchResponse struct {
	Query string            `json:"query"`
	Hits  []vectorindex.Hit `json:"hits"`
}

// HistoryResponse is the response body for GET /api/v1/records/:id/history.
type HistoryResponse struct {
	ID      string                    `json:"id"`
	Entries []localstore.HistoryEntry `json:"entries"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
	Path    string `json:"path,omitempty"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string         `json:"content"`
	FindingsCount int            `json:"findings_count"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}
