package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// ModuleName defines the module name
	ModuleName = "swarm"

	// DefaultRedundancy is the number of independent executions required
	// per piece when a task does not specify one.
	DefaultRedundancy = 3

	// Reputation bounds and the neutral starting point for new peers.
	MinReputation     = 0.0
	MaxReputation     = 100.0
	NeutralReputation = 50.0
)

// TaskID uniquely identifies a compute task.
type TaskID string

// PeerID uniquely identifies a peer (typically a DID or public key).
type PeerID string

// PieceID uniquely identifies a piece within the swarm. It is derived
// from the owning task id and the piece index.
type PieceID string

// NewPieceID builds the canonical piece identifier.
func NewPieceID(taskID TaskID, index int) PieceID {
	return PieceID(fmt.Sprintf("%s:%d", taskID, index))
}

// TaskKind discriminates the supported compute payloads.
type TaskKind string

const (
	TaskEmbedding TaskKind = "embedding"
	TaskReranking TaskKind = "reranking"
	TaskInference TaskKind = "inference"
	TaskTraining  TaskKind = "training"
	TaskCustom    TaskKind = "custom"
)

// TaskPayload is the tagged payload of a compute task. Only the fields
// matching Kind are meaningful; the coordinator itself never interprets
// the payload beyond the discriminant and the model name used for
// capability matching.
type TaskPayload struct {
	Kind TaskKind `json:"kind"`

	// Model is the model required to execute the payload. Empty for
	// custom payloads, which carry their own executable reference.
	Model string `json:"model,omitempty"`

	// Embedding
	Texts     []string `json:"texts,omitempty"`
	BatchSize int      `json:"batch_size,omitempty"`

	// Reranking
	Query     string   `json:"query,omitempty"`
	Documents []string `json:"documents,omitempty"`
	TopK      int      `json:"top_k,omitempty"`

	// Inference
	Prompt    string `json:"prompt,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`

	// Training
	DatasetURL string `json:"dataset_url,omitempty"`
	Epochs     int    `json:"epochs,omitempty"`

	// Custom
	WasmHash string `json:"wasm_hash,omitempty"`
	Input    []byte `json:"input,omitempty"`
}

// RequiredModel returns the model a peer must support to execute the
// payload, or "" when no model gate applies.
func (p TaskPayload) RequiredModel() string {
	if p.Kind == TaskCustom {
		return ""
	}
	return p.Model
}

// VerificationMode selects how piece results are verified.
type VerificationMode string

const (
	// VerifyHashConsensus accepts a result once a quorum of redundant
	// executions produce the same digest.
	VerifyHashConsensus VerificationMode = "hash_consensus"

	// VerifyAttested accepts a single result carrying valid
	// trusted-execution evidence, short-circuiting consensus.
	VerifyAttested VerificationMode = "attested"
)

// VerificationMethod is the per-task verification policy.
type VerificationMethod struct {
	Mode VerificationMode `json:"mode"`

	// Quorum overrides the matching-result count required for
	// consensus. Zero means strict majority of the redundancy.
	Quorum int `json:"quorum,omitempty"`
}

// DefaultVerification returns hash consensus with a strict-majority quorum.
func DefaultVerification() VerificationMethod {
	return VerificationMethod{Mode: VerifyHashConsensus}
}

// QuorumFor resolves the effective quorum for a given redundancy.
// An explicit quorum is capped at the redundancy; otherwise strict
// majority applies.
func (m VerificationMethod) QuorumFor(redundancy int) int {
	if m.Quorum > 0 {
		if m.Quorum > redundancy {
			return redundancy
		}
		return m.Quorum
	}
	return redundancy/2 + 1
}

// ComputeTask is a unit of work distributed across the swarm. Tasks are
// immutable after creation; the orchestrator owns them for their
// lifetime.
type ComputeTask struct {
	ID            TaskID             `json:"id"`
	Payload       TaskPayload        `json:"payload"`
	Reward        float64            `json:"reward"`
	MinReputation float64            `json:"min_reputation"`
	Deadline      time.Time          `json:"deadline,omitzero"`
	NumPieces     int                `json:"num_pieces"`
	Redundancy    int                `json:"redundancy"`
	Verification  VerificationMethod `json:"verification"`
	Creator       PeerID             `json:"creator"`
	CreatedAt     time.Time          `json:"created_at"`
	InputHash     string             `json:"input_hash"`
}

// NewTask creates a task with a fresh id, a single piece, default
// redundancy and hash-consensus verification.
func NewTask(payload TaskPayload, reward float64) *ComputeTask {
	return &ComputeTask{
		ID:           TaskID(uuid.NewString()),
		Payload:      payload,
		Reward:       reward,
		NumPieces:    1,
		Redundancy:   DefaultRedundancy,
		Verification: DefaultVerification(),
		CreatedAt:    time.Now().UTC(),
	}
}

// HasDeadline reports whether the task carries an absolute deadline.
func (t *ComputeTask) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// Expired reports whether the task deadline has passed at the given time.
func (t *ComputeTask) Expired(now time.Time) bool {
	return t.HasDeadline() && now.After(t.Deadline)
}

// RewardPerPiece splits the fixed task reward evenly across pieces.
func (t *ComputeTask) RewardPerPiece() float64 {
	if t.NumPieces <= 0 {
		return t.Reward
	}
	return t.Reward / float64(t.NumPieces)
}

// ComputeResult is one peer's execution output for a piece. The digest
// is always recomputed locally from Data; a peer-supplied hash is never
// trusted.
type ComputeResult struct {
	TaskID      TaskID        `json:"task_id"`
	PieceIndex  int           `json:"piece_index"`
	Data        []byte        `json:"data"`
	Digest      string        `json:"digest"`
	PeerID      PeerID        `json:"peer_id"`
	ComputeTime time.Duration `json:"compute_time"`
	Attestation []byte        `json:"attestation,omitempty"`
	Verified    bool          `json:"verified"`
}

// NewResult builds a result and computes its digest.
func NewResult(taskID TaskID, pieceIndex int, data []byte, peer PeerID) *ComputeResult {
	return &ComputeResult{
		TaskID:     taskID,
		PieceIndex: pieceIndex,
		Data:       data,
		Digest:     Digest(data),
		PeerID:     peer,
	}
}

// PieceRef returns the canonical piece id this result belongs to.
func (r *ComputeResult) PieceRef() PieceID {
	return NewPieceID(r.TaskID, r.PieceIndex)
}

// Capabilities describes the resources a peer declares on registration.
type Capabilities struct {
	GPUTFlops          float64         `json:"gpu_tflops"`
	CPUGFlops          float64         `json:"cpu_gflops"`
	RAMGB              float64         `json:"ram_gb"`
	VRAMGB             float64         `json:"vram_gb"`
	NetworkMbps        float64         `json:"network_mbps"`
	SupportedModels    map[string]bool `json:"supported_models,omitempty"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks"`
	SupportsTEE        bool            `json:"supports_tee"`
	TEEAttestation     []byte          `json:"tee_attestation,omitempty"`
}

// DefaultCapabilities returns the minimal capability set assumed for a
// peer that has not declared anything yet.
func DefaultCapabilities() Capabilities {
	return Capabilities{MaxConcurrentTasks: 1}
}

// SupportsModel reports whether the peer declared support for a model.
func (c Capabilities) SupportsModel(model string) bool {
	return c.SupportedModels[model]
}

// Digest computes the hex-encoded SHA-256 digest used to bind and
// compare results. Collision resistance of the digest is what makes
// hash-group consensus meaningful.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
