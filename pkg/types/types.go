package types

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SizeTier classifies ingested files into one of three size bands, each
// backed by its own durable queue and worker pool.
type SizeTier string

const (
	TierSmall  SizeTier = "small"
	TierMedium SizeTier = "medium"
	TierLarge  SizeTier = "large"
)

// Size band thresholds. Lower bound inclusive, upper bound exclusive, so a
// file sitting exactly on a threshold routes to the higher tier.
const (
	SmallMaxBytes  int64 = 100 << 20 // 100 MiB
	MediumMaxBytes int64 = 1 << 30   // 1 GiB
)

// ClassifySize maps a byte size onto its tier. Unknown or absent sizes
// (negative values) classify as SMALL; the caller is expected to log a
// warning for those.
func ClassifySize(size int64) SizeTier {
	switch {
	case size < SmallMaxBytes:
		return TierSmall
	case size < MediumMaxBytes:
		return TierMedium
	default:
		return TierLarge
	}
}

// Tiers lists all size tiers in ascending order.
func Tiers() []SizeTier {
	return []SizeTier{TierSmall, TierMedium, TierLarge}
}

// StorageEvent is the raw object-store notification consumed by the ingress
// router. Only create/update events under buckets/{tenant_id}/... are
// processed.
type StorageEvent struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
}

// Storage event types.
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// ObjectEvent is the wire record published onto the size-tier subjects.
type ObjectEvent struct {
	TenantID        string    `json:"tenant_id"`
	URI             string    `json:"uri"`
	Size            int64     `json:"size"`
	ContentTypeHint string    `json:"content_type_hint,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	TraceID         string    `json:"trace_id"`
}

// InlineEdge describes one outbound graph edge attached to a Resource or
// Moment. The destination is a human-readable label rather than an id, so
// the relational rows stay acyclic; cycles live only in the graph namespace.
type InlineEdge struct {
	Destination  string            `json:"destination"`
	Relationship string            `json:"relationship"`
	Weight       float64           `json:"weight"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// PropDestinationType is the InlineEdge property carrying the destination
// entity type.
const PropDestinationType = "dst_entity_type"

// RelSeeAlso is the relationship type written by affinity dreaming.
const RelSeeAlso = "see_also"

// MergeEdges union-merges incoming edges into existing ones. Edges are keyed
// by (destination, relationship); an incoming duplicate updates the weight
// and properties but is never appended twice, which makes edge writes safe
// to rerun.
func MergeEdges(existing, incoming []InlineEdge) []InlineEdge {
	merged := make([]InlineEdge, len(existing))
	copy(merged, existing)

	index := make(map[string]int, len(merged))
	for i, e := range merged {
		index[e.Destination+"\x00"+e.Relationship] = i
	}

	for _, e := range incoming {
		key := e.Destination + "\x00" + e.Relationship
		if i, ok := index[key]; ok {
			merged[i].Weight = e.Weight
			if len(e.Properties) > 0 {
				if merged[i].Properties == nil {
					merged[i].Properties = make(map[string]string, len(e.Properties))
				}
				for k, v := range e.Properties {
					merged[i].Properties[k] = v
				}
			}
			continue
		}
		index[key] = len(merged)
		merged = append(merged, e)
	}
	return merged
}

// Resource is the atomic ingested content unit.
type Resource struct {
	ID                string            `json:"id" db:"id"`
	TenantID          string            `json:"tenant_id" db:"tenant_id"`
	Name              string            `json:"name" db:"name"`
	Category          string            `json:"category" db:"category"`
	Content           string            `json:"content" db:"content"`
	Summary           string            `json:"summary,omitempty" db:"summary"`
	URI               string            `json:"uri" db:"uri"`
	ResourceTimestamp time.Time         `json:"resource_timestamp" db:"resource_timestamp"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	GraphPaths        []InlineEdge      `json:"graph_paths,omitempty"`
}

// Relational table names.
const (
	TableResources = "resources"
	TableMoments   = "moments"
	TableTenants   = "tenants"
	TableDreamRuns = "dream_runs"
)

// Entity types used in KV reverse mappings.
const (
	EntityTypeResource = "resource"
	EntityTypeMoment   = "moment"
)

// TableForEntityType maps an entity type (also used as a graph node label)
// to its relational table, or "" when the type has no table of its own.
func TableForEntityType(entityType string) string {
	switch entityType {
	case EntityTypeResource:
		return TableResources
	case EntityTypeMoment:
		return TableMoments
	default:
		return ""
	}
}

// MomentType is the open classification set for moments.
type MomentType string

const (
	MomentConversation MomentType = "conversation"
	MomentMeeting      MomentType = "meeting"
	MomentPlanning     MomentType = "planning"
	MomentReflection   MomentType = "reflection"
	MomentObservation  MomentType = "observation"
	MomentUnknown      MomentType = "unknown"
)

// Person identifies a participant of a Moment, keyed in PresentPersons by
// speaker fingerprint.
type Person struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// SpeakerTurn is one utterance within a Moment.
type SpeakerTurn struct {
	Text      string    `json:"text"`
	SpeakerID string    `json:"speaker_id"`
	Timestamp time.Time `json:"timestamp"`
	Emotion   string    `json:"emotion,omitempty"`
}

// Moment is a time-bounded Resource subtype carrying speakers, emotions and
// topic tags.
type Moment struct {
	Resource

	ResourceEndsTimestamp time.Time         `json:"resource_ends_timestamp" db:"resource_ends_timestamp"`
	MomentType            MomentType        `json:"moment_type" db:"moment_type"`
	EmotionTags           []string          `json:"emotion_tags,omitempty"`
	TopicTags             []string          `json:"topic_tags,omitempty"`
	PresentPersons        map[string]Person `json:"present_persons,omitempty"`
	Speakers              []SpeakerTurn     `json:"speakers,omitempty"`
	Location              string            `json:"location,omitempty" db:"location"`
	BackgroundSounds      string            `json:"background_sounds,omitempty" db:"background_sounds"`
}

// Validate checks the Moment temporal and speaker invariants: start must not
// exceed end, every speaker turn falls inside [start, end], and every
// speaker id is present in PresentPersons.
func (m *Moment) Validate() error {
	if m.TenantID == "" {
		return fmt.Errorf("moment %s: tenant_id is empty", m.ID)
	}
	if m.ResourceEndsTimestamp.Before(m.ResourceTimestamp) {
		return fmt.Errorf("moment %s: ends %s before it starts %s",
			m.ID, m.ResourceEndsTimestamp.Format(time.RFC3339), m.ResourceTimestamp.Format(time.RFC3339))
	}
	known := make(map[string]bool, len(m.PresentPersons))
	for _, p := range m.PresentPersons {
		known[p.ID] = true
	}
	for i, s := range m.Speakers {
		if s.Timestamp.Before(m.ResourceTimestamp) || s.Timestamp.After(m.ResourceEndsTimestamp) {
			return fmt.Errorf("moment %s: speaker turn %d at %s outside [start, end]",
				m.ID, i, s.Timestamp.Format(time.RFC3339))
		}
		if s.SpeakerID != "" && !known[s.SpeakerID] {
			return fmt.Errorf("moment %s: speaker %q not in present_persons", m.ID, s.SpeakerID)
		}
	}
	return nil
}

// Embedding stores one vector for one field of one entity. Exactly one
// embedding exists per (entity_id, field_name, provider).
type Embedding struct {
	ID          string    `json:"id" db:"id"`
	EntityTable string    `json:"entity_table" db:"entity_table"`
	EntityID    string    `json:"entity_id" db:"entity_id"`
	FieldName   string    `json:"field_name" db:"field_name"`
	Vector      []float32 `json:"vector"`
	Dimension   int       `json:"dimension" db:"dimension"`
	Provider    string    `json:"provider" db:"provider"`
	SourceHash  string    `json:"source_hash" db:"source_hash"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Validate checks that the vector length matches the declared dimension.
func (e *Embedding) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("embedding for %s: tenant_id is empty", e.EntityID)
	}
	if len(e.Vector) != e.Dimension {
		return fmt.Errorf("embedding for %s: vector has %d elements, dimension says %d",
			e.EntityID, len(e.Vector), e.Dimension)
	}
	return nil
}

// SourceHash returns the content hash used to skip embedding regeneration
// when the source text has not changed.
func SourceHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// Tenant owns every row and KV key it creates. Isolation between tenants is
// absolute.
type Tenant struct {
	ID        string            `json:"id" db:"id"`
	Email     string            `json:"email" db:"email"`
	PublicKey string            `json:"public_key" db:"public_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// NewTenantID derives a tenant id. With an IMEI the id is deterministic:
// "tenant-" plus the first 16 hex characters of sha256(imei). Without one a
// random hex id is generated.
func NewTenantID(imei string) string {
	if imei != "" {
		sum := sha256.Sum256([]byte(imei))
		return "tenant-" + hex.EncodeToString(sum[:8])
	}
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "tenant-" + hex.EncodeToString(buf)
}

// remNamespace is the fixed UUIDv5 namespace for deterministic entity ids.
var remNamespace = uuid.MustParse("8f0bd8b6-5c1a-4c25-9a6e-1f50a2e4d1c3")

// ResourceID derives the deterministic id for a chunk of an ingested file.
// Reprocessing the same (tenant, uri, chunk) always yields the same id, which
// is what makes redelivery idempotent.
func ResourceID(tenantID, uri string, chunkIndex int) string {
	return uuid.NewSHA1(remNamespace, []byte(fmt.Sprintf("%s/%s/%d", tenantID, uri, chunkIndex))).String()
}

// MomentID derives the deterministic id for a moment extracted from a
// resource.
func MomentID(tenantID, resourceID string, index int) string {
	return uuid.NewSHA1(remNamespace, []byte(fmt.Sprintf("moment/%s/%s/%d", tenantID, resourceID, index))).String()
}

// ReverseKey builds the KV reverse-name key {tenant_id}/{name}/{entity_type}.
func ReverseKey(tenantID, name, entityType string) string {
	return tenantID + "/" + name + "/" + entityType
}

// ReversePrefix builds the scan prefix for all entity types sharing a name.
// The trailing slash keeps "plan" from matching "planning".
func ReversePrefix(tenantID, name string) string {
	return tenantID + "/" + name + "/"
}

// ParseReverseKey splits a reverse-name key into its parts. Names may
// themselves contain slashes; tenant and entity type may not.
func ParseReverseKey(key string) (tenantID, name, entityType string, err error) {
	first := strings.Index(key, "/")
	last := strings.LastIndex(key, "/")
	if first < 0 || last <= first {
		return "", "", "", fmt.Errorf("malformed reverse key %q", key)
	}
	return key[:first], key[first+1 : last], key[last+1:], nil
}

// DreamJob names a dreaming batch job.
type DreamJob string

const (
	JobMomentExtraction DreamJob = "moment-extraction"
	JobAffinitySemantic DreamJob = "affinity-semantic"
	JobAffinityLLM      DreamJob = "affinity-llm"
)

// DreamState is the per-run state machine: queued -> running -> succeeded |
// failed | skipped-empty.
type DreamState string

const (
	DreamQueued       DreamState = "queued"
	DreamRunning      DreamState = "running"
	DreamSucceeded    DreamState = "succeeded"
	DreamFailed       DreamState = "failed"
	DreamSkippedEmpty DreamState = "skipped-empty"
)

// DreamRun records one execution of a dreaming job so the scheduler can
// resume after a crash.
type DreamRun struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	Job            DreamJob   `json:"job" db:"job"`
	State          DreamState `json:"state" db:"state"`
	Error          string     `json:"error,omitempty" db:"error"`
	Attempts       int        `json:"attempts" db:"attempts"`
	MomentsCreated int        `json:"moments_created" db:"moments_created"`
	EdgesCreated   int        `json:"edges_created" db:"edges_created"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     time.Time  `json:"finished_at,omitempty" db:"finished_at"`
}
