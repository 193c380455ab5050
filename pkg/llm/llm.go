package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/remlabs/remd/pkg/config"
	"github.com/remlabs/remd/pkg/types"
)

// MomentDraft is the schema the model must return for each extracted
// moment. The dreaming worker validates and normalizes drafts before any
// row is written.
type MomentDraft struct {
	Name             string                  `json:"name"`
	Summary          string                  `json:"summary"`
	MomentType       string                  `json:"moment_type"`
	Start            time.Time               `json:"start"`
	End              time.Time               `json:"end"`
	EmotionTags      []string                `json:"emotion_tags"`
	TopicTags        []string                `json:"topic_tags"`
	PresentPersons   map[string]types.Person `json:"present_persons"`
	Speakers         []types.SpeakerTurn     `json:"speakers"`
	Location         string                  `json:"location"`
	BackgroundSounds string                  `json:"background_sounds"`
}

// Affinity is the schema for pairwise relationship classification.
type Affinity struct {
	Relationship string  `json:"relationship"`
	Weight       float64 `json:"weight"`
}

// Extractor is the structured-extraction contract dreaming depends on.
type Extractor interface {
	// ExtractMoments returns the time-bounded moments found in a resource's
	// content, or an empty slice when the content has no temporal
	// structure.
	ExtractMoments(ctx context.Context, content string) ([]MomentDraft, error)

	// ClassifyAffinity names the relationship between two contents and its
	// weight in [0,1].
	ClassifyAffinity(ctx context.Context, a, b string) (Affinity, error)
}

const momentPrompt = `You segment recorded experience into moments.
Given the content below, return a JSON array of moments. Each moment is an
object with keys: name, summary, moment_type (one of conversation, meeting,
planning, reflection, observation, unknown), start (RFC3339), end (RFC3339),
emotion_tags (array of short strings), topic_tags (array of short strings),
present_persons (object mapping speaker fingerprint to {id, label}),
speakers (array of {text, speaker_id, timestamp, emotion}), location,
background_sounds. Return [] if the content has no temporal structure.
Return only JSON, no prose.

Content:
%s`

const affinityPrompt = `Classify the relationship between the two contents
below. Return a JSON object {"relationship": string, "weight": number in
[0,1]}. Use "see_also" when the contents merely relate. Return only JSON.

Content A:
%s

Content B:
%s`

// OpenAIExtractor implements Extractor through langchaingo.
type OpenAIExtractor struct {
	model      llms.Model
	parseRetry int
}

// NewOpenAIExtractor builds the production extraction client.
func NewOpenAIExtractor(cfg config.LLMConfig) (*OpenAIExtractor, error) {
	model, err := openai.New(openai.WithModel(cfg.Model))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm client: %w", err)
	}
	return &OpenAIExtractor{model: model, parseRetry: cfg.ParseRetry}, nil
}

func (e *OpenAIExtractor) ExtractMoments(ctx context.Context, content string) ([]MomentDraft, error) {
	var drafts []MomentDraft
	err := e.generateJSON(ctx, fmt.Sprintf(momentPrompt, content), &drafts)
	if err != nil {
		return nil, err
	}
	return drafts, nil
}

func (e *OpenAIExtractor) ClassifyAffinity(ctx context.Context, a, b string) (Affinity, error) {
	var aff Affinity
	err := e.generateJSON(ctx, fmt.Sprintf(affinityPrompt, a, b), &aff)
	if err != nil {
		return Affinity{}, err
	}
	if aff.Weight < 0 {
		aff.Weight = 0
	}
	if aff.Weight > 1 {
		aff.Weight = 1
	}
	return aff, nil
}

// generateJSON calls the model and unmarshals its reply, retrying on parse
// failure.
func (e *OpenAIExtractor) generateJSON(ctx context.Context, prompt string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < e.parseRetry; attempt++ {
		reply, err := llms.GenerateFromSinglePrompt(ctx, e.model, prompt)
		if err != nil {
			return fmt.Errorf("llm call failed: %w", err)
		}
		if err := json.Unmarshal([]byte(stripFences(reply)), out); err != nil {
			lastErr = fmt.Errorf("llm reply did not conform to schema: %w", err)
			continue
		}
		return nil
	}
	return lastErr
}

// stripFences removes a markdown code fence the model may wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
