// Package record defines the synchronized entities of memsync: records,
// devices, teams and principals, together with the deterministic conflict
// rule every store applies.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the entity type of a record. Sync cursors are kept per kind.
type Kind string

const (
	KindMemory  Kind = "memory"
	KindSession Kind = "session"
)

// Kinds lists every entity type in pull order.
var Kinds = []Kind{KindMemory, KindSession}

// Valid reports whether k is a known entity type.
func (k Kind) Valid() bool {
	return k == KindMemory || k == KindSession
}

// Visibility controls who may read and write a record.
type Visibility string

const (
	VisibilityPrivate   Visibility = "private"
	VisibilityTeamRead  Visibility = "team_read"
	VisibilityTeamWrite Visibility = "team_write"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityTeamRead, VisibilityTeamWrite:
		return true
	}
	return false
}

// MemoryType classifies memory records.
type MemoryType string

const (
	TypeFact       MemoryType = "fact"
	TypeDecision   MemoryType = "decision"
	TypeProcedural MemoryType = "procedural"
	TypeEpisodic   MemoryType = "episodic"
	TypeUser       MemoryType = "user"
	TypeCode       MemoryType = "code"
	TypeError      MemoryType = "error"
	TypeCommit     MemoryType = "commit"
	TypeTodo       MemoryType = "todo"
	TypeIssue      MemoryType = "issue"
	TypeAPI        MemoryType = "api"
	TypeSchema     MemoryType = "schema"
	TypeTest       MemoryType = "test"
	TypeReview     MemoryType = "review"
	TypeRelease    MemoryType = "release"
	TypeConfig     MemoryType = "config"
	TypeDependency MemoryType = "dependency"
	TypeDoc        MemoryType = "doc"
)

var memoryTypes = map[MemoryType]bool{
	TypeFact: true, TypeDecision: true, TypeProcedural: true, TypeEpisodic: true,
	TypeUser: true, TypeCode: true, TypeError: true, TypeCommit: true,
	TypeTodo: true, TypeIssue: true, TypeAPI: true, TypeSchema: true,
	TypeTest: true, TypeReview: true, TypeRelease: true, TypeConfig: true,
	TypeDependency: true, TypeDoc: true,
}

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	return memoryTypes[t]
}

// GlobalNamespace is the namespace of records not tied to a repository.
const GlobalNamespace = "global"

// Source describes where an ingested record came from.
type Source struct {
	File string `json:"file,omitempty"`
	Repo string `json:"repo,omitempty"`
	Tool string `json:"tool,omitempty"`
}

// Message is one turn of a session transcript.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is a memory or session entry, the unit of sync and indexing.
//
// Teams, devices and owners are referenced by id only.
type Record struct {
	ID             string                 `json:"id"`
	Kind           Kind                   `json:"kind"`
	Type           MemoryType             `json:"type,omitempty"`
	Content        string                 `json:"content"`
	Summary        string                 `json:"summary,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	Namespace      string                 `json:"namespace,omitempty"`
	Source         Source                 `json:"source,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	Messages       []Message              `json:"messages,omitempty"`
	StructuredData map[string]interface{} `json:"structured_data,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`

	OwnerID    string     `json:"owner_id"`
	TeamID     string     `json:"team_id,omitempty"`
	Visibility Visibility `json:"visibility"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	UpdatedBy  string    `json:"updated_by,omitempty"`
	Version    int64     `json:"version"`
	Tombstoned bool      `json:"tombstoned"`
	VectorRef  string    `json:"vector_ref,omitempty"`
}

// hashed is the subset of fields covered by ContentHash. Sync bookkeeping
// (versions, timestamps, writer) is excluded so identical edits compare equal.
type hashed struct {
	Kind           Kind                   `json:"kind"`
	Type           MemoryType             `json:"type"`
	Content        string                 `json:"content"`
	Summary        string                 `json:"summary"`
	Tags           []string               `json:"tags"`
	Namespace      string                 `json:"namespace"`
	Source         Source                 `json:"source"`
	SessionID      string                 `json:"session_id"`
	Messages       []Message              `json:"messages"`
	StructuredData map[string]interface{} `json:"structured_data"`
	Metadata       map[string]string      `json:"metadata"`
	TeamID         string                 `json:"team_id"`
	Visibility     Visibility             `json:"visibility"`
}

// ContentHash returns the hex sha256 of the record's synced content.
func (r *Record) ContentHash() string {
	tags := append([]string(nil), r.Tags...)
	sort.Strings(tags)
	msgs := make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		m.Timestamp = m.Timestamp.UTC()
		msgs[i] = m
	}
	b, err := json.Marshal(hashed{
		Kind:           r.Kind,
		Type:           r.Type,
		Content:        r.Content,
		Summary:        r.Summary,
		Tags:           tags,
		Namespace:      r.Namespace,
		Source:         r.Source,
		SessionID:      r.SessionID,
		Messages:       msgs,
		StructuredData: r.StructuredData,
		Metadata:       r.Metadata,
		TeamID:         r.TeamID,
		Visibility:     r.Visibility,
	})
	if err != nil {
		// structured data that cannot be marshaled still needs a stable hash
		b = []byte(fmt.Sprintf("%v", r.StructuredData) + r.Content)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EmbeddingText is the text handed to the embedding capability.
func (r *Record) EmbeddingText() string {
	var b strings.Builder
	if r.Summary != "" {
		b.WriteString(r.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString(r.Content)
	if len(r.Tags) > 0 {
		b.WriteString("\n\ntags: ")
		b.WriteString(strings.Join(r.Tags, ", "))
	}
	return b.String()
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.Messages = append([]Message(nil), r.Messages...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.StructuredData != nil {
		raw, err := json.Marshal(r.StructuredData)
		if err == nil {
			var sd map[string]interface{}
			if json.Unmarshal(raw, &sd) == nil {
				c.StructuredData = sd
			}
		}
	}
	return &c
}

// Redacted returns a copy safe to expose for a tombstoned record: the id,
// ownership and version survive, the content does not.
func (r *Record) Redacted() *Record {
	c := r.Clone()
	if !c.Tombstoned {
		return c
	}
	c.Content = ""
	c.Summary = ""
	c.Tags = nil
	c.Messages = nil
	c.StructuredData = nil
	c.Metadata = nil
	c.VectorRef = ""
	return c
}

// Normalize fills defaults and canonicalizes timestamps to UTC.
func (r *Record) Normalize() {
	if r.Kind == "" {
		r.Kind = KindMemory
	}
	if r.Kind == KindMemory && r.Type == "" {
		r.Type = TypeFact
	}
	if r.Visibility == "" {
		r.Visibility = VisibilityPrivate
	}
	if r.Namespace == "" {
		r.Namespace = GlobalNamespace
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
}

// Validate checks the record's intrinsic constraints. Team existence and
// membership are checked by the stores that know about teams.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Kind)
	}
	if r.OwnerID == "" {
		return fmt.Errorf("%w: record %s has no owner", ErrInvalidReference, r.ID)
	}
	if !r.Visibility.Valid() {
		return fmt.Errorf("%w: unknown visibility %q", ErrInvalidRecord, r.Visibility)
	}
	if r.Visibility != VisibilityPrivate && r.TeamID == "" {
		return fmt.Errorf("%w: visibility %s requires a team", ErrInvalidReference, r.Visibility)
	}
	if r.Kind == KindMemory {
		if !r.Type.Valid() {
			return fmt.Errorf("%w: unknown memory type %q", ErrInvalidRecord, r.Type)
		}
		if !r.Tombstoned {
			if err := ValidateStructuredData(r.Type, r.StructuredData); err != nil {
				return err
			}
		}
	}
	return nil
}
