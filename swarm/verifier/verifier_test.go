package verifier

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/swarm/swarm/piece"
	"github.com/paw-chain/swarm/swarm/registry"
	"github.com/paw-chain/swarm/swarm/types"
)

// staticAttestor accepts exactly one quote value.
type staticAttestor struct{ quote string }

func (a staticAttestor) Verify(_ types.PeerID, attestation []byte) error {
	if string(attestation) != a.quote {
		return errors.New("unknown quote")
	}
	return nil
}

type fixture struct {
	registry *registry.Registry
	pieces   *piece.Manager
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := registry.DefaultConfig()
	cfg.SnapshotInterval = 0
	reg, err := registry.New(nil, cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	pieces := piece.NewManager(log.NewNopLogger())
	return &fixture{
		registry: reg,
		pieces:   pieces,
		verifier: New(reg, pieces, staticAttestor{quote: "good-quote"}, log.NewNopLogger()),
	}
}

// addExecutors registers n connected peers named peer-0..peer-n-1 and
// assigns each of them piece 0 of the task.
func (f *fixture) addExecutors(t *testing.T, task *types.ComputeTask, n int) []types.PeerID {
	t.Helper()
	peers := make([]types.PeerID, n)
	for i := range peers {
		id := types.PeerID(fmt.Sprintf("peer-%d", i))
		peers[i] = id
		_, err := f.registry.Register(id, "addr")
		require.NoError(t, err)
		require.NoError(t, f.registry.Transition(id, registry.StateConnected))
		require.NoError(t, f.registry.ReserveSlot(id))
		require.NoError(t, f.pieces.Assign(task.ID, 0, id))
	}
	return peers
}

func consensusTask(redundancy int) *types.ComputeTask {
	task := types.NewTask(types.TaskPayload{
		Kind:   types.TaskInference,
		Model:  "llama-8b",
		Prompt: "p",
	}, 6.0)
	task.Redundancy = redundancy
	return task
}

func result(task *types.ComputeTask, peer types.PeerID, data string) *types.ComputeResult {
	res := types.NewResult(task.ID, 0, []byte(data), peer)
	res.ComputeTime = time.Second
	return res
}

func TestHashConsensusMajority(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(3)
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 3)

	v, err := f.verifier.Submit(task, result(task, peers[0], "answer"))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, v.Outcome)

	// Second matching result reaches the 2-of-3 quorum.
	v, err = f.verifier.Submit(task, result(task, peers[1], "answer"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConsensus, v.Outcome)
	require.Equal(t, types.Digest([]byte("answer")), v.WinningDigest)
	require.ElementsMatch(t, []types.PeerID{peers[0], peers[1]}, v.Winners)
	require.Empty(t, v.Losers)

	// Winners gained reputation: 50 + (100-50)*0.01 = 50.5.
	for _, id := range v.Winners {
		p, err := f.registry.Get(id)
		require.NoError(t, err)
		require.InDelta(t, 50.5, p.Reputation, 1e-9)
		require.Zero(t, p.TasksInProgress)
		// Per-piece reward split between the two winners.
		require.InDelta(t, 3.0, p.TotalEarned, 1e-9)
	}

	// The still-executing third peer was released without penalty.
	p, err := f.registry.Get(peers[2])
	require.NoError(t, err)
	require.Equal(t, types.NeutralReputation, p.Reputation)
	require.Zero(t, p.TasksInProgress)

	got, err := f.pieces.Get(task.ID, 0)
	require.NoError(t, err)
	require.Equal(t, piece.StateComplete, got.State)
}

func TestMinorityLoserPenalized(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(3)
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 3)

	_, err := f.verifier.Submit(task, result(task, peers[0], "answer"))
	require.NoError(t, err)
	_, err = f.verifier.Submit(task, result(task, peers[1], "wrong"))
	require.NoError(t, err)

	v, err := f.verifier.Submit(task, result(task, peers[2], "answer"))
	require.NoError(t, err)
	require.Equal(t, OutcomeConsensus, v.Outcome)
	require.ElementsMatch(t, []types.PeerID{peers[0], peers[2]}, v.Winners)
	require.ElementsMatch(t, []types.PeerID{peers[1]}, v.Losers)

	// The loser took the wrong-result penalty: 50 - 5 = 45.
	p, err := f.registry.Get(peers[1])
	require.NoError(t, err)
	require.InDelta(t, 45.0, p.Reputation, 1e-9)
	require.Equal(t, uint64(1), p.TasksFailed)
}

func TestSplitConsensusPenalizesAll(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(3)
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 3)

	// Three distinct answers: after the second, the best group is 1 and
	// only one result is outstanding, so 1+1 = 2 still reaches quorum.
	_, err := f.verifier.Submit(task, result(task, peers[0], "a"))
	require.NoError(t, err)
	v, err := f.verifier.Submit(task, result(task, peers[1], "b"))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, v.Outcome)

	v, err = f.verifier.Submit(task, result(task, peers[2], "c"))
	require.NoError(t, err)
	require.Equal(t, OutcomeMismatch, v.Outcome)
	require.Empty(t, v.Winners)
	require.Len(t, v.Losers, 3)

	// Every submitter takes the penalty: 50 - 5 = 45.
	for _, id := range peers {
		p, err := f.registry.Get(id)
		require.NoError(t, err)
		require.InDelta(t, 45.0, p.Reputation, 1e-9)
	}

	// The piece is not finalized; the orchestrator decides on retry.
	got, err := f.pieces.Get(task.ID, 0)
	require.NoError(t, err)
	require.Equal(t, piece.StateAwaitingConsensus, got.State)
}

func TestConsensusImpossibleDetectedEarly(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(3)
	task.Verification.Quorum = 3 // unanimity
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 3)

	_, err := f.verifier.Submit(task, result(task, peers[0], "a"))
	require.NoError(t, err)

	// One dissenting result makes unanimity unreachable with only one
	// submission outstanding.
	v, err := f.verifier.Submit(task, result(task, peers[1], "b"))
	require.NoError(t, err)
	require.Equal(t, OutcomeImpossible, v.Outcome)
	require.Len(t, v.Losers, 2)
}

func TestQuorumOverride(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(5)
	task.Verification.Quorum = 2
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 2)

	_, err := f.verifier.Submit(task, result(task, peers[0], "answer"))
	require.NoError(t, err)
	v, err := f.verifier.Submit(task, result(task, peers[1], "answer"))
	require.NoError(t, err)

	// Two matching results settle the piece despite redundancy 5.
	require.Equal(t, OutcomeConsensus, v.Outcome)
}

func TestAttestedShortCircuit(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(3)
	task.Verification = types.VerificationMethod{Mode: types.VerifyAttested}
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 2)

	res := result(task, peers[0], "answer")
	res.Attestation = []byte("good-quote")

	v, err := f.verifier.Submit(task, res)
	require.NoError(t, err)
	require.Equal(t, OutcomeConsensus, v.Outcome)
	require.Equal(t, []types.PeerID{peers[0]}, v.Winners)

	// Single winner takes the whole per-piece reward.
	p, err := f.registry.Get(peers[0])
	require.NoError(t, err)
	require.InDelta(t, 6.0, p.TotalEarned, 1e-9)

	// The other executor was released without penalty.
	p, err = f.registry.Get(peers[1])
	require.NoError(t, err)
	require.Equal(t, types.NeutralReputation, p.Reputation)
	require.Zero(t, p.TasksInProgress)
}

func TestAttestedRejectsBadQuote(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(3)
	task.Verification = types.VerificationMethod{Mode: types.VerifyAttested}
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 1)

	res := result(task, peers[0], "answer")
	res.Attestation = []byte("forged")

	_, err := f.verifier.Submit(task, res)
	require.ErrorIs(t, err, types.ErrVerificationFailed)

	// A forged quote is an active fault.
	p, err := f.registry.Get(peers[0])
	require.NoError(t, err)
	require.InDelta(t, 45.0, p.Reputation, 1e-9)

	got, err := f.pieces.Get(task.ID, 0)
	require.NoError(t, err)
	require.Equal(t, piece.StateUnassigned, got.State)
}

// TestStaleQuorumSnapshotCannotSettleTwice replays the race where two
// submissions each record a result and both snapshots show a quorum:
// only the first settlement may credit the winners.
func TestStaleQuorumSnapshotCannotSettleTwice(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(2)
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 2)

	// Record both results without settling, as two racing submissions
	// would before either reaches the decision step.
	_, err := f.pieces.RecordResult(result(task, peers[0], "answer"))
	require.NoError(t, err)
	p, err := f.pieces.RecordResult(result(task, peers[1], "answer"))
	require.NoError(t, err)

	v, err := f.verifier.settleConsensus(task, p)
	require.NoError(t, err)
	require.Equal(t, OutcomeConsensus, v.Outcome)

	// The second settler still holds the stale quorum snapshot.
	_, err = f.verifier.settleConsensus(task, p)
	require.ErrorIs(t, err, types.ErrPieceNotFound)

	// Reputation, counters and reward were credited exactly once.
	for _, id := range peers {
		peer, err := f.registry.Get(id)
		require.NoError(t, err)
		require.InDelta(t, 50.5, peer.Reputation, 1e-9)
		require.Equal(t, uint64(1), peer.TasksCompleted)
		require.InDelta(t, 3.0, peer.TotalEarned, 1e-9)
		require.Zero(t, peer.TasksInProgress)
	}
}

func TestVerdictReportsQuorumShortfall(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(3)
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 3)

	_, err := f.verifier.Submit(task, result(task, peers[0], "a"))
	require.NoError(t, err)
	_, err = f.verifier.Submit(task, result(task, peers[1], "b"))
	require.NoError(t, err)

	v, err := f.verifier.Submit(task, result(task, peers[2], "c"))
	require.NoError(t, err)
	require.Equal(t, OutcomeMismatch, v.Outcome)
	require.Equal(t, 2, v.Quorum)
	require.Equal(t, 1, v.BestCount)
}

func TestDigestRecomputedFromData(t *testing.T) {
	f := newFixture(t)
	task := consensusTask(3)
	require.NoError(t, f.pieces.Split(task))
	peers := f.addExecutors(t, task, 2)

	// A peer lying about its digest cannot join the honest group.
	forged := result(task, peers[0], "wrong")
	forged.Digest = types.Digest([]byte("answer"))
	_, err := f.verifier.Submit(task, forged)
	require.NoError(t, err)

	v, err := f.verifier.Submit(task, result(task, peers[1], "answer"))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, v.Outcome)
}
