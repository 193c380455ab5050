package dream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/embed"
	"github.com/remlabs/remd/pkg/graph"
	"github.com/remlabs/remd/pkg/kv"
	"github.com/remlabs/remd/pkg/llm"
	"github.com/remlabs/remd/pkg/log"
	"github.com/remlabs/remd/pkg/metrics"
	"github.com/remlabs/remd/pkg/types"
)

// Storage is the slice of the REM store dreaming reads and writes.
type Storage interface {
	ListResourcesSince(ctx context.Context, tenantID string, since time.Time) ([]*types.Resource, error)
	UpsertResource(ctx context.Context, r *types.Resource) error
	UpsertMoment(ctx context.Context, m *types.Moment) error
	HasEmbedding(ctx context.Context, tenantID, entityTable, entityID, field, provider, sourceHash string) (bool, error)
	UpsertEmbedding(ctx context.Context, e *types.Embedding) error
	GetEmbedding(ctx context.Context, tenantID, entityTable, entityID, field string) (*types.Embedding, error)
	SaveDreamRun(ctx context.Context, run *types.DreamRun) error
}

// NameIndex registers extracted moments under their names.
type NameIndex interface {
	PutMapping(ctx context.Context, tenantID, name string, m kv.Mapping) error
}

// Dreamer executes dreaming jobs for one tenant at a time.
type Dreamer struct {
	storage   Storage
	graph     graph.Graph
	extractor llm.Extractor
	embedder  embed.Service
	names     NameIndex
	cfg       config.DreamConfig
	log       zerolog.Logger
}

// New builds a dreamer. extractor may be nil, in which case moment
// extraction and LLM affinity are skipped-empty.
func New(storage Storage, g graph.Graph, extractor llm.Extractor, embedder embed.Service, names NameIndex, cfg config.DreamConfig) *Dreamer {
	return &Dreamer{
		storage:   storage,
		graph:     g,
		extractor: extractor,
		embedder:  embedder,
		names:     names,
		cfg:       cfg,
		log:       log.WithComponent("dream"),
	}
}

// Run executes one job for one tenant, driving the run record through its
// state machine. Failed executions retry within the run up to the
// configured cap.
func (d *Dreamer) Run(ctx context.Context, tenantID string, job types.DreamJob) (*types.DreamRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("dream: tenant_id is empty")
	}
	run := &types.DreamRun{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Job:       job,
		State:     types.DreamQueued,
		StartedAt: time.Now().UTC(),
	}
	if err := d.storage.SaveDreamRun(ctx, run); err != nil {
		return nil, err
	}

	run.State = types.DreamRunning
	if err := d.storage.SaveDreamRun(ctx, run); err != nil {
		return nil, err
	}
	logger := d.log.With().Str("tenant_id", tenantID).Str("job", string(job)).Str("run_id", run.ID).Logger()

	var lastErr error
	for run.Attempts = 1; run.Attempts <= d.cfg.MaxRetries; run.Attempts++ {
		var (
			empty bool
			err   error
		)
		switch job {
		case types.JobMomentExtraction:
			empty, err = d.extractMoments(ctx, tenantID, run)
		case types.JobAffinitySemantic, types.JobAffinityLLM:
			empty, err = d.linkAffinities(ctx, tenantID, job, run)
		default:
			err = fmt.Errorf("dream: unknown job %q", job)
		}
		if err == nil {
			if empty {
				run.State = types.DreamSkippedEmpty
			} else {
				run.State = types.DreamSucceeded
			}
			break
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", run.Attempts).Msg("dream attempt failed")
	}
	if run.State == types.DreamRunning {
		run.State = types.DreamFailed
		run.Error = lastErr.Error()
		run.Attempts = d.cfg.MaxRetries
	}

	run.FinishedAt = time.Now().UTC()
	if err := d.storage.SaveDreamRun(ctx, run); err != nil {
		return nil, err
	}
	metrics.DreamRuns.WithLabelValues(string(job), string(run.State)).Inc()
	logger.Info().Str("state", string(run.State)).
		Int("moments", run.MomentsCreated).Int("edges", run.EdgesCreated).Msg("dream run finished")
	return run, nil
}

// extractMoments turns recent resources into moments. A resource whose
// extraction fails is skipped; the run carries on with the rest.
func (d *Dreamer) extractMoments(ctx context.Context, tenantID string, run *types.DreamRun) (empty bool, err error) {
	if d.extractor == nil {
		return true, nil
	}
	since := time.Now().Add(-d.cfg.Lookback)
	resources, err := d.storage.ListResourcesSince(ctx, tenantID, since)
	if err != nil {
		return false, err
	}
	if len(resources) == 0 {
		return true, nil
	}

	for _, r := range resources {
		drafts, err := d.extractor.ExtractMoments(ctx, r.Content)
		if err != nil {
			d.log.Warn().Err(err).Str("resource_id", r.ID).Msg("moment extraction failed, skipping resource")
			continue
		}
		for i, draft := range drafts {
			moment, err := d.buildMoment(tenantID, r, i, draft)
			if err != nil {
				d.log.Warn().Err(err).Str("resource_id", r.ID).Int("draft", i).Msg("dropping invalid moment draft")
				continue
			}
			if err := d.storage.UpsertMoment(ctx, moment); err != nil {
				return false, err
			}
			metrics.MomentsCreated.Inc()
			run.MomentsCreated++

			if err := d.embedSummary(ctx, moment); err != nil {
				return false, err
			}
			if err := d.names.PutMapping(ctx, tenantID, moment.Name, kv.Mapping{
				EntityID:   moment.ID,
				EntityType: types.EntityTypeMoment,
				TableName:  types.TableMoments,
			}); err != nil {
				return false, err
			}
		}
	}
	// A window with resources but no temporal structure still succeeds,
	// with zero moments.
	return false, nil
}

// buildMoment validates and normalizes one draft into a moment row. The
// moment id derives from (tenant, resource, index), so re-extraction
// overwrites rather than duplicates.
func (d *Dreamer) buildMoment(tenantID string, r *types.Resource, index int, draft llm.MomentDraft) (*types.Moment, error) {
	if draft.End.Before(draft.Start) {
		return nil, fmt.Errorf("draft ends before it starts")
	}
	if draft.End.Sub(draft.Start) > d.cfg.MaxMomentSpan {
		return nil, fmt.Errorf("draft spans %s, cap is %s", draft.End.Sub(draft.Start), d.cfg.MaxMomentSpan)
	}
	name := draft.Name
	if name == "" {
		name = fmt.Sprintf("%s moment %d", r.Name, index)
	}

	momentType := types.MomentType(draft.MomentType)
	switch momentType {
	case types.MomentConversation, types.MomentMeeting, types.MomentPlanning,
		types.MomentReflection, types.MomentObservation:
	default:
		momentType = types.MomentUnknown
	}

	persons := draft.PresentPersons
	if persons == nil {
		persons = make(map[string]types.Person)
	}
	known := make(map[string]bool, len(persons))
	for _, p := range persons {
		known[p.ID] = true
	}
	speakers := make([]types.SpeakerTurn, len(draft.Speakers))
	for i, s := range draft.Speakers {
		// Clamp stray timestamps into the moment window and register
		// speakers the model forgot to list.
		if s.Timestamp.Before(draft.Start) {
			s.Timestamp = draft.Start
		}
		if s.Timestamp.After(draft.End) {
			s.Timestamp = draft.End
		}
		if s.SpeakerID != "" && !known[s.SpeakerID] {
			persons[s.SpeakerID] = types.Person{ID: s.SpeakerID, Label: s.SpeakerID}
			known[s.SpeakerID] = true
		}
		speakers[i] = s
	}

	return &types.Moment{
		Resource: types.Resource{
			ID:                types.MomentID(tenantID, r.ID, index),
			TenantID:          tenantID,
			Name:              name,
			Category:          "moment",
			Summary:           draft.Summary,
			URI:               r.URI,
			ResourceTimestamp: draft.Start,
			Metadata:          map[string]string{"source_resource_id": r.ID},
		},
		ResourceEndsTimestamp: draft.End,
		MomentType:            momentType,
		EmotionTags:           draft.EmotionTags,
		TopicTags:             draft.TopicTags,
		PresentPersons:        persons,
		Speakers:              speakers,
		Location:              draft.Location,
		BackgroundSounds:      draft.BackgroundSounds,
	}, nil
}

func (d *Dreamer) embedSummary(ctx context.Context, m *types.Moment) error {
	if m.Summary == "" {
		return nil
	}
	sourceHash := types.SourceHash(m.Summary)
	provider := d.embedder.Provider()
	exists, err := d.storage.HasEmbedding(ctx, m.TenantID, types.TableMoments, m.ID, "summary", provider, sourceHash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	vectors, err := d.embedder.Embed(ctx, []string{m.Summary})
	if err != nil {
		return err
	}
	return d.storage.UpsertEmbedding(ctx, &types.Embedding{
		ID:          uuid.NewString(),
		EntityTable: types.TableMoments,
		EntityID:    m.ID,
		FieldName:   "summary",
		Vector:      vectors[0],
		Dimension:   d.embedder.Dimension(),
		Provider:    provider,
		SourceHash:  sourceHash,
		TenantID:    m.TenantID,
	})
}

// linkAffinities connects semantically close resources with bidirectional
// see_also edges. The pairwise scan is bounded by the pair budget; the LLM
// variant additionally asks the model to name the relationship for the
// closest pairs.
func (d *Dreamer) linkAffinities(ctx context.Context, tenantID string, job types.DreamJob, run *types.DreamRun) (empty bool, err error) {
	since := time.Now().Add(-d.cfg.Lookback)
	resources, err := d.storage.ListResourcesSince(ctx, tenantID, since)
	if err != nil {
		return false, err
	}
	if len(resources) < 2 {
		return true, nil
	}

	vectors := make(map[string][]float32, len(resources))
	for _, r := range resources {
		e, err := d.storage.GetEmbedding(ctx, tenantID, types.TableResources, r.ID, "content")
		if err != nil {
			// Resources without vectors simply cannot participate.
			continue
		}
		vectors[r.ID] = e.Vector
	}
	if len(vectors) < 2 {
		return true, nil
	}

	pairs := 0
	llmCalls := 0
	for i := 0; i < len(resources) && pairs < d.cfg.PairBudget; i++ {
		a := resources[i]
		va, ok := vectors[a.ID]
		if !ok {
			continue
		}
		for j := i + 1; j < len(resources) && pairs < d.cfg.PairBudget; j++ {
			b := resources[j]
			vb, ok := vectors[b.ID]
			if !ok {
				continue
			}
			pairs++

			similarity := embed.Cosine(va, vb)
			if similarity < d.cfg.SemanticThreshold {
				continue
			}

			relationship := types.RelSeeAlso
			weight := similarity
			if job == types.JobAffinityLLM && d.extractor != nil && llmCalls < d.cfg.LLMPairBudget {
				llmCalls++
				aff, err := d.extractor.ClassifyAffinity(ctx, a.Content, b.Content)
				if err != nil {
					d.log.Warn().Err(err).Msg("affinity classification failed, keeping see_also")
				} else if aff.Relationship != "" {
					relationship, weight = aff.Relationship, aff.Weight
				}
			}

			if err := d.linkPair(ctx, tenantID, a, b, relationship, weight); err != nil {
				return false, err
			}
			run.EdgesCreated += 2
			metrics.AffinityEdges.Add(2)
		}
	}
	return false, nil
}

// linkPair writes the edge in both directions, in the graph namespace and
// as inline graph_paths on the resource rows. Both writes are union merges.
func (d *Dreamer) linkPair(ctx context.Context, tenantID string, a, b *types.Resource, relationship string, weight float64) error {
	for _, r := range []*types.Resource{a, b} {
		if err := d.graph.MergeNode(ctx, graph.Node{
			TenantID:   tenantID,
			Label:      types.EntityTypeResource,
			Key:        r.ID,
			Properties: map[string]string{"name": r.Name},
		}); err != nil {
			return err
		}
	}
	for _, pair := range [][2]*types.Resource{{a, b}, {b, a}} {
		src, dst := pair[0], pair[1]
		if err := d.graph.MergeEdge(ctx, graph.Edge{
			TenantID:     tenantID,
			SrcLabel:     types.EntityTypeResource,
			SrcKey:       src.ID,
			DstLabel:     types.EntityTypeResource,
			DstKey:       dst.ID,
			Relationship: relationship,
			Weight:       weight,
			Properties:   map[string]string{types.PropDestinationType: types.EntityTypeResource},
		}); err != nil {
			return err
		}

		src.GraphPaths = types.MergeEdges(src.GraphPaths, []types.InlineEdge{{
			Destination:  dst.Name,
			Relationship: relationship,
			Weight:       weight,
			Properties:   map[string]string{types.PropDestinationType: types.EntityTypeResource},
		}})
		if err := d.storage.UpsertResource(ctx, src); err != nil {
			return err
		}
	}
	return nil
}
