package verifier

import (
	"sync"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/swarm/swarm/piece"
	"github.com/paw-chain/swarm/swarm/registry"
	"github.com/paw-chain/swarm/swarm/types"
)

// Outcome is the verification status of a piece after a submission.
type Outcome string

const (
	// OutcomePending means more results are needed before a decision.
	OutcomePending Outcome = "pending"
	// OutcomeConsensus means a quorum of matching digests was reached.
	OutcomeConsensus Outcome = "consensus"
	// OutcomeMismatch means every expected result arrived and no digest
	// group reached the quorum.
	OutcomeMismatch Outcome = "mismatch"
	// OutcomeImpossible means the quorum became unreachable even before
	// all results arrived.
	OutcomeImpossible Outcome = "impossible"
)

// Verdict is the verifier's decision for one piece after a submission.
type Verdict struct {
	Outcome       Outcome        `json:"outcome"`
	PieceIndex    int            `json:"piece_index"`
	WinningDigest string         `json:"winning_digest,omitempty"`
	Winners       []types.PeerID `json:"winners,omitempty"`
	Losers        []types.PeerID `json:"losers,omitempty"`

	// Quorum is the matching-result count the piece required; BestCount
	// is the size of the largest digest group when the verdict was made.
	Quorum    int `json:"quorum,omitempty"`
	BestCount int `json:"best_count,omitempty"`
}

// AttestationVerifier checks trusted-execution evidence attached to a
// result. Implementations validate the quote against the peer's
// registered enclave identity.
type AttestationVerifier interface {
	Verify(peer types.PeerID, attestation []byte) error
}

// Verifier settles piece results: it recomputes digests, groups results
// by digest, applies the task's quorum rule and pushes the reputation
// and reward consequences into the registry.
type Verifier struct {
	registry *registry.Registry
	pieces   *piece.Manager
	attestor AttestationVerifier
	logger   log.Logger

	// locks serialize record-and-decide per piece so two concurrent
	// submissions cannot both observe a quorum snapshot and settle the
	// same piece twice.
	mu    sync.Mutex
	locks map[types.TaskID]map[int]*sync.Mutex
}

// New creates a verifier. attestor may be nil, in which case attested
// verification always fails closed.
func New(reg *registry.Registry, pieces *piece.Manager, attestor AttestationVerifier, logger log.Logger) *Verifier {
	return &Verifier{
		registry: reg,
		pieces:   pieces,
		attestor: attestor,
		logger:   logger,
		locks:    make(map[types.TaskID]map[int]*sync.Mutex),
	}
}

// settleLock returns the mutex guarding one piece's settlement.
func (v *Verifier) settleLock(taskID types.TaskID, index int) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	byIndex, ok := v.locks[taskID]
	if !ok {
		byIndex = make(map[int]*sync.Mutex)
		v.locks[taskID] = byIndex
	}
	l, ok := byIndex[index]
	if !ok {
		l = &sync.Mutex{}
		byIndex[index] = l
	}
	return l
}

// ForgetTask drops the settlement locks of a finished task.
func (v *Verifier) ForgetTask(taskID types.TaskID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.locks, taskID)
}

// Submit records one peer's result and advances verification for its
// piece. The digest is always recomputed from the payload; whatever the
// peer claimed is discarded.
func (v *Verifier) Submit(task *types.ComputeTask, result *types.ComputeResult) (Verdict, error) {
	lock := v.settleLock(task.ID, result.PieceIndex)
	lock.Lock()
	defer lock.Unlock()

	result.Digest = types.Digest(result.Data)

	if task.Verification.Mode == types.VerifyAttested {
		if err := v.checkAttestation(task, result); err != nil {
			return Verdict{Outcome: OutcomePending, PieceIndex: result.PieceIndex}, err
		}
	}

	p, err := v.pieces.RecordResult(result)
	if err != nil {
		return Verdict{}, err
	}

	if task.Verification.Mode == types.VerifyAttested {
		return v.settleAttested(task, p, result)
	}
	return v.settleConsensus(task, p)
}

// checkAttestation validates TEE evidence on a result. A missing or
// invalid attestation is an active fault, not a non-response.
func (v *Verifier) checkAttestation(task *types.ComputeTask, result *types.ComputeResult) error {
	if len(result.Attestation) == 0 {
		v.penalizeRejected(task, result)
		return sdkerrors.Wrapf(types.ErrVerificationFailed,
			"result for piece %s:%d carries no attestation", task.ID, result.PieceIndex)
	}
	if v.attestor == nil {
		v.penalizeRejected(task, result)
		return sdkerrors.Wrap(types.ErrVerificationFailed, "no attestation verifier configured")
	}
	if err := v.attestor.Verify(result.PeerID, result.Attestation); err != nil {
		v.penalizeRejected(task, result)
		return sdkerrors.Wrapf(types.ErrVerificationFailed,
			"attestation rejected for peer %s: %s", result.PeerID, err)
	}
	return nil
}

// penalizeRejected drops a rejected submission: the peer loses its
// assignment, its slot, and takes the failure penalty.
func (v *Verifier) penalizeRejected(task *types.ComputeTask, result *types.ComputeResult) {
	_ = v.pieces.Release(task.ID, result.PieceIndex, result.PeerID)
	if err := v.registry.RecordFailure(result.PeerID); err != nil {
		v.logger.Error("failed to penalize peer", "peer_id", result.PeerID, "error", err)
	}
}

// settleAttested accepts the attested result immediately. Consensus is
// short-circuited: a valid quote is stronger evidence than redundancy.
func (v *Verifier) settleAttested(task *types.ComputeTask, p piece.Piece, result *types.ComputeResult) (Verdict, error) {
	verdict := v.buildVerdict(p, result.Digest)
	verdict.Outcome = OutcomeConsensus
	if err := v.finalize(task, p, verdict); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// settleConsensus applies the hash-group quorum rule to the piece's
// collected results.
func (v *Verifier) settleConsensus(task *types.ComputeTask, p piece.Piece) (Verdict, error) {
	quorum := task.Verification.QuorumFor(p.Redundancy)

	groups := make(map[string]int)
	bestDigest, bestCount := "", 0
	for _, res := range p.Results {
		groups[res.Digest]++
		if groups[res.Digest] > bestCount {
			bestDigest, bestCount = res.Digest, groups[res.Digest]
		}
	}

	if bestCount >= quorum {
		verdict := v.buildVerdict(p, bestDigest)
		verdict.Outcome = OutcomeConsensus
		verdict.Quorum, verdict.BestCount = quorum, bestCount
		if err := v.finalize(task, p, verdict); err != nil {
			return Verdict{}, err
		}
		return verdict, nil
	}

	// Results that may still arrive: executions in flight plus slots the
	// scheduler has not filled yet.
	outstanding := p.Redundancy - len(p.Results)
	if outstanding < 0 {
		outstanding = 0
	}

	if bestCount+outstanding < quorum {
		verdict := v.buildVerdict(p, "")
		verdict.Outcome = OutcomeImpossible
		verdict.Quorum, verdict.BestCount = quorum, bestCount
		v.settleSplit(task, p, &verdict)
		return verdict, nil
	}
	if outstanding == 0 {
		verdict := v.buildVerdict(p, "")
		verdict.Outcome = OutcomeMismatch
		verdict.Quorum, verdict.BestCount = quorum, bestCount
		v.settleSplit(task, p, &verdict)
		return verdict, nil
	}

	return Verdict{Outcome: OutcomePending, PieceIndex: p.Index, Quorum: quorum, BestCount: bestCount}, nil
}

// buildVerdict partitions the piece's submitters into winners and
// losers relative to a winning digest. With no winning digest everyone
// is a loser.
func (v *Verifier) buildVerdict(p piece.Piece, winningDigest string) Verdict {
	verdict := Verdict{
		PieceIndex:    p.Index,
		WinningDigest: winningDigest,
	}
	for peerID, res := range p.Results {
		if winningDigest != "" && res.Digest == winningDigest {
			verdict.Winners = append(verdict.Winners, peerID)
		} else {
			verdict.Losers = append(verdict.Losers, peerID)
		}
	}
	return verdict
}

// finalize completes the piece and settles reputation and rewards. The
// per-piece reward splits evenly across the winning peers; losers take
// the wrong-result penalty; peers still executing are released without
// penalty since their work was simply no longer needed.
func (v *Verifier) finalize(task *types.ComputeTask, p piece.Piece, verdict Verdict) error {
	if err := v.pieces.MarkComplete(task.ID, p.Index, verdict.WinningDigest); err != nil {
		return err
	}

	share := task.RewardPerPiece()
	if n := len(verdict.Winners); n > 0 {
		share /= float64(n)
	}
	for _, winner := range verdict.Winners {
		res := p.Results[winner]
		if err := v.registry.RecordSuccess(winner, res.ComputeTime, share); err != nil {
			v.logger.Error("failed to credit peer", "peer_id", winner, "error", err)
		}
	}
	for _, loser := range verdict.Losers {
		if res := p.Results[loser]; res != nil {
			v.logger.Info("divergent result discarded",
				"task_id", task.ID, "piece", p.Index, "peer_id", loser,
				"error", sdkerrors.Wrapf(types.ErrHashMismatch,
					"expected %s, got %s", verdict.WinningDigest, res.Digest))
		}
		if err := v.registry.RecordFailure(loser); err != nil {
			v.logger.Error("failed to penalize peer", "peer_id", loser, "error", err)
		}
	}
	for peerID := range p.AssignedTo {
		_ = v.pieces.Release(task.ID, p.Index, peerID)
		v.registry.ReleaseSlot(peerID)
	}

	v.logger.Info("piece verified",
		"task_id", task.ID, "piece", p.Index,
		"winners", len(verdict.Winners), "losers", len(verdict.Losers))
	return nil
}

// settleSplit penalizes every submitter of an unresolvable piece.
// Without a quorum no submitter can be proven honest, so the penalty
// is uniform.
func (v *Verifier) settleSplit(task *types.ComputeTask, p piece.Piece, verdict *Verdict) {
	for _, loser := range verdict.Losers {
		if err := v.registry.RecordFailure(loser); err != nil {
			v.logger.Error("failed to penalize peer", "peer_id", loser, "error", err)
		}
	}
	for peerID := range p.AssignedTo {
		_ = v.pieces.Release(task.ID, p.Index, peerID)
		v.registry.ReleaseSlot(peerID)
	}
	v.logger.Info("piece consensus split",
		"task_id", task.ID, "piece", p.Index, "submissions", len(p.Results))
}
