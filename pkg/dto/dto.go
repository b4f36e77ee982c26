package dto

import (
	"github.com/kromosynth/dispatcher/pkg/pool"
	"github.com/kromosynth/dispatcher/pkg/task"
)

// DispatchResponse is the reply of POST /v1/dispatch, Result is set when Success is
type DispatchResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Result  *task.Result `json:"result,omitempty"`
}

// PoolsResponse is the reply of GET /v1/pools
type PoolsResponse struct {
	Pools map[string][]pool.Snapshot `json:"pools"`
}

// RestartRequest selects the slot to restart, every ready slot when Slot is nil
type RestartRequest struct {
	Slot *int `json:"slot"`
}

type RestartResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
