package genome

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/kromosynth/dispatcher/pkg/task"
	"go.uber.org/zap"
)

// bridgeRequest is written to the stdin of the bridge command
type bridgeRequest struct {
	Op     task.Kind   `json:"op"`
	Params interface{} `json:"params"`
}

// bridgeResponse is read from the stdout of the bridge command
type bridgeResponse struct {
	ClassScores  map[string]task.ClassScore `json:"classScores"`
	GenomeString string                     `json:"genomeString"`
	Error        string                     `json:"error"`
}

// commandOperations runs one bridge process per operation, e.g. a node script
// that imports the genome library. The bridge reads one JSON request from stdin
// and writes one JSON response to stdout.
type commandOperations struct {
	name string
	args []string
}

// NewCommandOperations returns Operations backed by an external bridge command
func NewCommandOperations(command []string) (Operations, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("empty delegate command")
	}
	return &commandOperations{
		name: command[0],
		args: command[1:],
	}, nil
}

func (c *commandOperations) Evaluate(ctx context.Context, params *task.EvaluateParams) (map[string]task.ClassScore, error) {
	resp, err := c.call(ctx, task.Evaluate, params)
	if err != nil {
		return nil, err
	}
	return resp.ClassScores, nil
}

func (c *commandOperations) RandomGenome(ctx context.Context, params *task.RandomParams) (string, error) {
	resp, err := c.call(ctx, task.GenerateRandom, params)
	if err != nil {
		return "", err
	}
	return resp.GenomeString, nil
}

func (c *commandOperations) Vary(ctx context.Context, params *task.VaryParams) (string, error) {
	resp, err := c.call(ctx, task.Vary, params)
	if err != nil {
		return "", err
	}
	return resp.GenomeString, nil
}

func (c *commandOperations) call(ctx context.Context, op task.Kind, params interface{}) (*bridgeResponse, error) {
	in, err := json.Marshal(bridgeRequest{Op: op, Params: params})
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		zap.S().Warnw("delegate command failed", "op", op, "err", err, "stderr", stderr.String())
		return nil, fmt.Errorf("delegate %s: %w", op, err)
	}
	resp := &bridgeResponse{}
	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return nil, fmt.Errorf("delegate %s: decode response: %w", op, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("delegate %s: %s", op, resp.Error)
	}
	return resp, nil
}
