package task

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"github.com/tidwall/gjson"
)

// Kind is the operation a worker is asked to perform
type Kind string

const (
	Evaluate       Kind = "evaluate"
	GenerateRandom Kind = "generate_random"
	Vary           Kind = "vary"
)

// Valid reports whether k is one of the known task kinds
func (k Kind) Valid() bool {
	switch k {
	case Evaluate, GenerateRandom, Vary:
		return true
	}
	return false
}

var (
	ErrUnknownKind    = errors.New("unknown task kind")
	ErrMissingParams  = errors.New("parameters missing for task kind")
	ErrTooManyParams  = errors.New("parameters of more than one task kind")
	ErrNoGenome       = errors.New("no genome string")
	ErrNoParentGenome = errors.New("no parent genome strings")
)

// EvaluateParams are the inputs of a class scoring run for one genome.
// ModelURL and UseGPU are carried here on purpose: a worker never looks them up itself.
type EvaluateParams struct {
	GenomeString                                  string      `json:"genomeString"`
	ClassScoringDurations                         []float64   `json:"classScoringDurations"`
	ClassScoringNoteDeltas                        []float64   `json:"classScoringNoteDeltas"`
	ClassScoringVelocities                        []float64   `json:"classScoringVelocities"`
	ClassificationGraphModel                      interface{} `json:"classificationGraphModel"`
	ModelURL                                      string      `json:"modelUrl"`
	UseGPU                                        bool        `json:"useGpuForTensorflow"`
	AntiAliasing                                  bool        `json:"antiAliasing"`
	FrequencyUpdatesApplyToAllPatchNetworkOutputs bool        `json:"frequencyUpdatesApplyToAllPathcNetworkOutputs"`
	SupplyAudioContextInstances                   bool        `json:"supplyAudioContextInstances"`
}

// RandomParams are the inputs for creating a new random genome
type RandomParams struct {
	EvolutionRunID              string                 `json:"evolutionRunId"`
	GenerationNumber            int                    `json:"generationNumber"`
	EvolutionaryHyperparameters map[string]interface{} `json:"evolutionaryHyperparameters"`
	OneCPPNPerFrequency         bool                   `json:"oneCPPNPerFrequency"`
}

// VaryParams are the inputs for producing an offspring from one or more parents
type VaryParams struct {
	GenomeStrings                  []string               `json:"genomeStrings"`
	EvolutionRunID                 string                 `json:"evolutionRunId"`
	GenerationNumber               int                    `json:"generationNumber"`
	AlgorithmKey                   string                 `json:"algorithmKey"`
	ProbabilityMutatingWaveNetwork float64                `json:"probabilityMutatingWaveNetwork"`
	ProbabilityMutatingPatch       float64                `json:"probabilityMutatingPatch"`
	AudioGraphMutationParams       map[string]interface{} `json:"audioGraphMutationParams"`
	EvolutionaryHyperparameters    map[string]interface{} `json:"evolutionaryHyperparameters"`
	PatchFitnessTestDuration       float64                `json:"patchFitnessTestDuration"`
	UseGPU                         bool                   `json:"useGPU"`
}

// Payload is one unit of work. Exactly one of the parameter blocks matching Kind is set.
type Payload struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	Evaluate       *EvaluateParams   `json:"evaluate,omitempty"`
	GenerateRandom *RandomParams     `json:"generateRandom,omitempty"`
	Vary           *VaryParams       `json:"vary,omitempty"`
	Trace          map[string]string `json:"trace,omitempty"`
}

// NewEvaluate returns an evaluation payload with a fresh id
func NewEvaluate(p EvaluateParams) *Payload {
	return &Payload{ID: xid.New().String(), Kind: Evaluate, Evaluate: &p}
}

// NewRandom returns a random genome payload with a fresh id
func NewRandom(p RandomParams) *Payload {
	return &Payload{ID: xid.New().String(), Kind: GenerateRandom, GenerateRandom: &p}
}

// NewVary returns a variation payload with a fresh id
func NewVary(p VaryParams) *Payload {
	return &Payload{ID: xid.New().String(), Kind: Vary, Vary: &p}
}

// Validate checks the kind and that the matching parameter block is the only one present
func (p *Payload) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	set := 0
	for _, present := range []bool{p.Evaluate != nil, p.GenerateRandom != nil, p.Vary != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return ErrTooManyParams
	}
	switch p.Kind {
	case Evaluate:
		if p.Evaluate == nil {
			return fmt.Errorf("%w: %s", ErrMissingParams, p.Kind)
		}
		if p.Evaluate.GenomeString == "" {
			return ErrNoGenome
		}
	case GenerateRandom:
		if p.GenerateRandom == nil {
			return fmt.Errorf("%w: %s", ErrMissingParams, p.Kind)
		}
	case Vary:
		if p.Vary == nil {
			return fmt.Errorf("%w: %s", ErrMissingParams, p.Kind)
		}
		if len(p.Vary.GenomeStrings) == 0 {
			return ErrNoParentGenome
		}
	}
	return nil
}

// Clone returns a deep copy, so that a dispatched payload is isolated from later
// changes made by the caller
func (p *Payload) Clone() (*Payload, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	clone := &Payload{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// GenomeID returns the id of the (first) genome the payload refers to, if any.
// Used for correlating log lines only.
func (p *Payload) GenomeID() string {
	switch {
	case p.Evaluate != nil:
		return GenomeID(p.Evaluate.GenomeString)
	case p.Vary != nil && len(p.Vary.GenomeStrings) > 0:
		return GenomeID(p.Vary.GenomeStrings[0])
	}
	return ""
}

// GenomeID peeks at the "_id" field of a serialized genome without decoding it
func GenomeID(genomeString string) string {
	if genomeString == "" || !gjson.Valid(genomeString) {
		return ""
	}
	return gjson.Get(genomeString, "_id").String()
}
