package indexer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/record"
)

const agentTranscript = `{"type":"summary","summary":"ignored"}
{"type":"user","sessionId":"sess-42","cwd":"/work/memsync","timestamp":"2026-03-01T10:00:00Z","message":{"role":"user","content":"Why does the pull cursor skip records?\nmore detail"}}
{"type":"assistant","timestamp":"2026-03-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"Cursor advances per page."},{"type":"tool_use","name":"grep"}]}}
not json at all
{"type":"assistant","message":{"role":"assistant","content":[]}}
`

func TestParseTranscript(t *testing.T) {
	t.Run("agent log shape", func(t *testing.T) {
		tr, err := ParseTranscript(strings.NewReader(agentTranscript), "fallback")
		require.NoError(t, err)
		assert.Equal(t, "sess-42", tr.SessionID)
		assert.Equal(t, "/work/memsync", tr.Cwd)
		assert.Equal(t, 1, tr.ErrorCount)
		require.Len(t, tr.Messages, 2)
		assert.Equal(t, "user", tr.Messages[0].Role)
		assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), tr.Messages[0].Timestamp)
		assert.Equal(t, "Cursor advances per page.\n[tool: grep]", tr.Messages[1].Content)
	})

	t.Run("flat shape", func(t *testing.T) {
		in := `{"role":"user","content":"hello"}
{"role":"system","content":"skip me"}
{"role":"assistant","content":"hi"}`
		tr, err := ParseTranscript(strings.NewReader(in), "fallback")
		require.NoError(t, err)
		assert.Equal(t, "fallback", tr.SessionID)
		require.Len(t, tr.Messages, 2)
		assert.Equal(t, "hi", tr.Messages[1].Content)
	})
}

func TestTranscript_Record(t *testing.T) {
	tr, err := ParseTranscript(strings.NewReader(agentTranscript), "x")
	require.NoError(t, err)
	rec := tr.Record("proj/sess-42.jsonl")

	assert.Equal(t, record.KindSession, rec.Kind)
	assert.Equal(t, "sess-42", rec.SessionID)
	assert.Equal(t, "Why does the pull cursor skip records?", rec.Summary)
	assert.True(t, strings.HasPrefix(rec.Content, "user: Why does"))
	assert.Equal(t, "2", rec.Metadata["messages"])
	assert.Equal(t, "/work/memsync", rec.Metadata["cwd"])
	assert.Len(t, rec.Messages, 2)
}

func TestSessionSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "proj/sess-42.jsonl", agentTranscript)
	writeFile(t, dir, "proj/empty.jsonl", `{"type":"summary"}`+"\n")
	writeFile(t, dir, "proj/notes.txt", "not a transcript")

	src, err := NewSessionSource(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"proj/empty.jsonl", "proj/sess-42.jsonl"}, listSourceIDs(t, src))

	store := newCountingStore(t)
	ix, err := New(store, Options{OwnerID: "alice"}, src)
	require.NoError(t, err)
	sum, err := ix.Run(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Ingested)
	assert.Equal(t, 1, sum.Written, "a transcript without messages writes nothing")

	recs, err := store.List(ctx, localstore.Filter{Kind: record.KindSession})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "proj/sess-42.jsonl", recs[0].Source.File)

	_, err = src.ItemForPath(dir + "/proj/notes.txt")
	assert.ErrorIs(t, err, ErrNotCovered)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "héll…", truncateRunes("héllo world", 5))
}
