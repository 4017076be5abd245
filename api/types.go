package api

import (
	"time"

	"github.com/paw-chain/swarm/swarm/types"
)

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RegisterPeerRequest registers a worker with the swarm.
type RegisterPeerRequest struct {
	ID           string             `json:"id" binding:"required"`
	Address      string             `json:"address" binding:"required"`
	Capabilities types.Capabilities `json:"capabilities"`
}

// SubmitTaskRequest admits a compute task.
type SubmitTaskRequest struct {
	Payload       types.TaskPayload         `json:"payload" binding:"required"`
	Reward        float64                   `json:"reward" binding:"required"`
	MinReputation float64                   `json:"min_reputation"`
	DeadlineMs    int64                     `json:"deadline_ms"`
	NumPieces     int                       `json:"num_pieces"`
	Redundancy    int                       `json:"redundancy"`
	Verification  *types.VerificationMethod `json:"verification,omitempty"`
	Creator       string                    `json:"creator"`
}

// SubmitTaskResponse returns the admitted task.
type SubmitTaskResponse struct {
	TaskID     types.TaskID `json:"task_id"`
	NumPieces  int          `json:"num_pieces"`
	Redundancy int          `json:"redundancy"`
}

// SubmitResultRequest delivers one peer's piece output. Data is
// base64-encoded per the standard JSON []byte rules.
type SubmitResultRequest struct {
	TaskID        string `json:"task_id" binding:"required"`
	PieceIndex    int    `json:"piece_index"`
	PeerID        string `json:"peer_id" binding:"required"`
	Data          []byte `json:"data" binding:"required"`
	ComputeTimeMs int64  `json:"compute_time_ms"`
	Attestation   []byte `json:"attestation,omitempty"`
}

// TaskStatusResponse describes a task's lifecycle and progress.
type TaskStatusResponse struct {
	TaskID    types.TaskID       `json:"task_id"`
	State     string             `json:"state"`
	Progress  float64            `json:"progress"`
	Total     int                `json:"total_pieces"`
	Completed int                `json:"completed_pieces"`
	Assigned  int                `json:"assigned_pieces"`
	Failed    int                `json:"failed_pieces"`
	Task      *types.ComputeTask `json:"task"`
}

// TaskResultResponse carries the assembled task output.
type TaskResultResponse struct {
	TaskID      types.TaskID `json:"task_id"`
	Pieces      [][]byte     `json:"pieces"`
	CompletedAt time.Time    `json:"completed_at"`
}
