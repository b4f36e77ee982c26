package genome

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"

	"github.com/kromosynth/dispatcher/pkg/task"
	"github.com/rs/xid"
)

var ErrMockFailure = errors.New("mock genome operation failure")

type mockGenome struct {
	ID               string   `json:"_id"`
	EvolutionRunID   string   `json:"evolutionRunId"`
	GenerationNumber int      `json:"generationNumber"`
	Parents          []string `json:"parentGenomes,omitempty"`
	Mutations        int      `json:"mutations"`
}

// mockOperations produces small structurally valid genomes and stable scores,
// for development pools and tests that do not have the genome library at hand
type mockOperations struct {
	classes []string
	fail    map[task.Kind]bool
}

// MockOption configures the mock operations
type MockOption func(*mockOperations)

// WithFailure makes the given kind fail with ErrMockFailure
func WithFailure(kind task.Kind) MockOption {
	return func(m *mockOperations) {
		m.fail[kind] = true
	}
}

// WithClasses sets the classes the mock evaluation scores
func WithClasses(classes ...string) MockOption {
	return func(m *mockOperations) {
		m.classes = classes
	}
}

func NewMockOperations(opts ...MockOption) Operations {
	m := &mockOperations{
		classes: []string{"Piano", "Guitar", "Drum"},
		fail:    map[task.Kind]bool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *mockOperations) Evaluate(ctx context.Context, params *task.EvaluateParams) (map[string]task.ClassScore, error) {
	if m.fail[task.Evaluate] {
		return nil, ErrMockFailure
	}
	scores := make(map[string]task.ClassScore, len(m.classes))
	for _, class := range m.classes {
		h := fnv.New32a()
		_, _ = h.Write([]byte(class + params.GenomeString))
		score := task.ClassScore{Score: float64(h.Sum32()%1000) / 1000}
		if len(params.ClassScoringDurations) > 0 {
			score.Duration = params.ClassScoringDurations[0]
		}
		if len(params.ClassScoringNoteDeltas) > 0 {
			score.NoteDelta = params.ClassScoringNoteDeltas[0]
		}
		if len(params.ClassScoringVelocities) > 0 {
			score.Velocity = params.ClassScoringVelocities[0]
		}
		scores[class] = score
	}
	return scores, nil
}

func (m *mockOperations) RandomGenome(ctx context.Context, params *task.RandomParams) (string, error) {
	if m.fail[task.GenerateRandom] {
		return "", ErrMockFailure
	}
	return marshal(mockGenome{
		ID:               xid.New().String(),
		EvolutionRunID:   params.EvolutionRunID,
		GenerationNumber: params.GenerationNumber,
	})
}

func (m *mockOperations) Vary(ctx context.Context, params *task.VaryParams) (string, error) {
	if m.fail[task.Vary] {
		return "", ErrMockFailure
	}
	child := mockGenome{
		ID:               xid.New().String(),
		EvolutionRunID:   params.EvolutionRunID,
		GenerationNumber: params.GenerationNumber,
	}
	for _, parent := range params.GenomeStrings {
		var g mockGenome
		if err := json.Unmarshal([]byte(parent), &g); err != nil {
			return "", err
		}
		child.Parents = append(child.Parents, g.ID)
		if g.Mutations >= child.Mutations {
			child.Mutations = g.Mutations + 1
		}
	}
	return marshal(child)
}

func marshal(g mockGenome) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
