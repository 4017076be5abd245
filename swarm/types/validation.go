package types

import (
	"fmt"

	sdkerrors "cosmossdk.io/errors"
)

const (
	// Maximum sizes for task configuration fields
	MaxModelNameLength = 128
	MaxPromptLength    = 1 << 20 // 1 MiB
	MaxTextsCount      = 10000
	MaxDocumentsCount  = 10000
	MaxCustomInputSize = 64 << 20 // 64 MiB
	MaxPiecesPerTask   = 4096
	MaxRedundancy      = 64
)

// Validate checks a task configuration before admission. Policy errors
// here mean the caller must change the request, not retry it.
func (t *ComputeTask) Validate() error {
	if t.ID == "" {
		return sdkerrors.Wrap(ErrInvalidTaskConfig, "empty task id")
	}
	if t.Reward <= 0 {
		return sdkerrors.Wrapf(ErrInvalidTaskConfig, "reward must be positive, got %g", t.Reward)
	}
	if t.NumPieces < 1 {
		return sdkerrors.Wrapf(ErrInvalidTaskConfig, "num_pieces must be >= 1, got %d", t.NumPieces)
	}
	if t.NumPieces > MaxPiecesPerTask {
		return sdkerrors.Wrapf(ErrInvalidTaskConfig, "num_pieces %d exceeds maximum %d", t.NumPieces, MaxPiecesPerTask)
	}
	if t.Redundancy < 1 {
		return sdkerrors.Wrapf(ErrInvalidTaskConfig, "redundancy must be >= 1, got %d", t.Redundancy)
	}
	if t.Redundancy > MaxRedundancy {
		return sdkerrors.Wrapf(ErrInvalidTaskConfig, "redundancy %d exceeds maximum %d", t.Redundancy, MaxRedundancy)
	}
	if t.MinReputation < MinReputation || t.MinReputation > MaxReputation {
		return sdkerrors.Wrapf(ErrInvalidTaskConfig, "min_reputation %g outside [%g, %g]", t.MinReputation, MinReputation, MaxReputation)
	}
	if t.Verification.Quorum < 0 {
		return sdkerrors.Wrapf(ErrInvalidTaskConfig, "quorum must be non-negative, got %d", t.Verification.Quorum)
	}
	switch t.Verification.Mode {
	case VerifyHashConsensus, VerifyAttested:
	case "":
		return sdkerrors.Wrap(ErrInvalidTaskConfig, "verification mode not set")
	default:
		return sdkerrors.Wrapf(ErrInvalidTaskConfig, "unknown verification mode %q", t.Verification.Mode)
	}
	if err := t.Payload.Validate(); err != nil {
		return sdkerrors.Wrap(ErrInvalidTaskConfig, err.Error())
	}
	return nil
}

// Validate checks the payload variant for structural sanity. Matching
// is exhaustive over the closed set of task kinds.
func (p TaskPayload) Validate() error {
	if p.Kind != TaskCustom {
		if p.Model == "" {
			return fmt.Errorf("%s payload requires a model", p.Kind)
		}
		if len(p.Model) > MaxModelNameLength {
			return fmt.Errorf("model name exceeds maximum length of %d", MaxModelNameLength)
		}
	}

	switch p.Kind {
	case TaskEmbedding:
		if len(p.Texts) == 0 {
			return fmt.Errorf("embedding payload requires at least one text")
		}
		if len(p.Texts) > MaxTextsCount {
			return fmt.Errorf("embedding payload exceeds %d texts", MaxTextsCount)
		}
	case TaskReranking:
		if p.Query == "" {
			return fmt.Errorf("reranking payload requires a query")
		}
		if len(p.Documents) == 0 {
			return fmt.Errorf("reranking payload requires documents")
		}
		if len(p.Documents) > MaxDocumentsCount {
			return fmt.Errorf("reranking payload exceeds %d documents", MaxDocumentsCount)
		}
	case TaskInference:
		if p.Prompt == "" {
			return fmt.Errorf("inference payload requires a prompt")
		}
		if len(p.Prompt) > MaxPromptLength {
			return fmt.Errorf("prompt exceeds maximum length of %d", MaxPromptLength)
		}
	case TaskTraining:
		if p.DatasetURL == "" {
			return fmt.Errorf("training payload requires a dataset URL")
		}
		if p.Epochs < 1 {
			return fmt.Errorf("training payload requires at least one epoch")
		}
	case TaskCustom:
		if p.WasmHash == "" {
			return fmt.Errorf("custom payload requires a wasm hash")
		}
		if len(p.Input) > MaxCustomInputSize {
			return fmt.Errorf("custom input exceeds %d bytes", MaxCustomInputSize)
		}
	default:
		return fmt.Errorf("unknown task kind %q", p.Kind)
	}
	return nil
}
