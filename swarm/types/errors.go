package types

import (
	sdkerrors "cosmossdk.io/errors"
)

// Swarm module sentinel errors. Protocol-outcome errors (rejection,
// consensus failure, mismatch) are expected operational results that
// drive reassignment; only terminal errors surface through AwaitResult.

var (
	// Not-found errors
	ErrPeerNotFound  = sdkerrors.Register(ModuleName, 2, "peer not found")
	ErrTaskNotFound  = sdkerrors.Register(ModuleName, 3, "task not found")
	ErrPieceNotFound = sdkerrors.Register(ModuleName, 4, "piece not found")

	// Registration errors
	ErrPeerAlreadyExists = sdkerrors.Register(ModuleName, 10, "peer already exists")
	ErrTaskAlreadyExists = sdkerrors.Register(ModuleName, 11, "task already exists")
	ErrInvalidTransition = sdkerrors.Register(ModuleName, 12, "invalid peer state transition")

	// Capacity errors (recoverable by retry/backoff)
	ErrNoPeersAvailable = sdkerrors.Register(ModuleName, 20, "no peers available")
	ErrCapacityExceeded = sdkerrors.Register(ModuleName, 21, "capacity exceeded")
	ErrPieceSaturated   = sdkerrors.Register(ModuleName, 22, "piece already holds redundancy assignees")
	ErrDuplicateAssign  = sdkerrors.Register(ModuleName, 23, "peer already assigned to piece")

	// Policy errors (caller must change the request)
	ErrInsufficientReputation = sdkerrors.Register(ModuleName, 30, "insufficient reputation")
	ErrInvalidTaskConfig      = sdkerrors.Register(ModuleName, 31, "invalid task configuration")

	// Protocol-outcome errors (drive reassignment, not task failure)
	ErrTaskRejected        = sdkerrors.Register(ModuleName, 40, "peer rejected task")
	ErrVerificationFailed  = sdkerrors.Register(ModuleName, 41, "result verification failed")
	ErrHashMismatch        = sdkerrors.Register(ModuleName, 42, "result hash mismatch")
	ErrConsensusNotReached = sdkerrors.Register(ModuleName, 43, "consensus not reached")

	// Terminal errors (surfaced as the task's final result)
	ErrDeadlineExceeded = sdkerrors.Register(ModuleName, 50, "task deadline exceeded")
	ErrRetriesExhausted = sdkerrors.Register(ModuleName, 51, "piece reassignment retries exhausted")
	ErrSwarmClosed      = sdkerrors.Register(ModuleName, 52, "swarm is shut down")
	ErrTaskFailed       = sdkerrors.Register(ModuleName, 53, "task failed")
)
