package rpc

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/kromosynth/dispatcher/pkg/task"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// scoringFields arrive either as lists or as index keyed objects
var scoringFields = []string{"classScoringDurations", "classScoringNoteDeltas", "classScoringVelocities"}

func first(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// decodeInto moves a generic map into one of the parameter structs
func decodeInto(m map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toStruct encodes any json marshallable value as a protobuf Struct
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// values returns the values of an index keyed object in index order
func values(m map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	list := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		list = append(list, m[k])
	}
	return list
}

func decodeRandom(req *structpb.Struct) (task.RandomParams, error) {
	m := req.AsMap()
	wire := map[string]interface{}{
		"evolutionRunId":              first(m, "evolution_run_id", "evolutionRunId"),
		"generationNumber":            first(m, "generation_number", "generationNumber"),
		"evolutionaryHyperparameters": first(m, "evolutionary_hyperparameters", "evolutionaryHyperparameters"),
		"oneCPPNPerFrequency":         first(m, "one_cppn_per_frequency", "oneCPPNPerFrequency"),
	}
	params := task.RandomParams{}
	if err := decodeInto(wire, &params); err != nil {
		return params, fmt.Errorf("random genome request: %w", err)
	}
	return params, nil
}

func decodeVariation(req *structpb.Struct) (task.VaryParams, error) {
	m := req.AsMap()
	if wrapped, ok := m["genomeStrings"].(map[string]interface{}); ok {
		m["genomeStrings"] = wrapped["genomeStrings"]
	}
	params := task.VaryParams{}
	if err := decodeInto(m, &params); err != nil {
		return params, fmt.Errorf("variation request: %w", err)
	}
	return params, nil
}

func decodeEvaluation(req *structpb.Struct) (task.EvaluateParams, error) {
	m := req.AsMap()
	for _, field := range scoringFields {
		if obj, ok := m[field].(map[string]interface{}); ok {
			m[field] = values(obj)
		}
	}
	params := task.EvaluateParams{}
	if err := decodeInto(m, &params); err != nil {
		return params, fmt.Errorf("evaluation request: %w", err)
	}
	return params, nil
}

func encodeRandom(params task.RandomParams) (*structpb.Struct, error) {
	return toStruct(map[string]interface{}{
		"evolution_run_id":             params.EvolutionRunID,
		"generation_number":            params.GenerationNumber,
		"evolutionary_hyperparameters": params.EvolutionaryHyperparameters,
		"one_cppn_per_frequency":       params.OneCPPNPerFrequency,
	})
}

func genomeReply(genomeString string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"genome_string": structpb.NewStringValue(genomeString),
	}}
}

func scoresReply(scores map[string]task.ClassScore) (*structpb.Struct, error) {
	if scores == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	classScores, err := toStruct(scores)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"genomeClassScores": structpb.NewStructValue(classScores),
	}}, nil
}

func decodeScores(reply *structpb.Struct) (map[string]task.ClassScore, error) {
	classScores := reply.GetFields()["genomeClassScores"].GetStructValue()
	if classScores == nil {
		return nil, nil
	}
	data, err := protojson.Marshal(classScores)
	if err != nil {
		return nil, err
	}
	scores := map[string]task.ClassScore{}
	if err := json.Unmarshal(data, &scores); err != nil {
		return nil, err
	}
	return scores, nil
}
