package piece

import (
	"testing"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/paw-chain/swarm/swarm/types"
)

func testTask(numPieces, redundancy int) *types.ComputeTask {
	task := types.NewTask(types.TaskPayload{
		Kind:  types.TaskEmbedding,
		Model: "bge-large",
		Texts: []string{"a", "b"},
	}, 10.0)
	task.NumPieces = numPieces
	task.Redundancy = redundancy
	return task
}

func TestSplitCreatesDenseIndexes(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(4, 2)
	require.NoError(t, m.Split(task))
	require.ErrorIs(t, m.Split(task), types.ErrTaskAlreadyExists)

	pieces, err := m.Pieces(task.ID)
	require.NoError(t, err)
	require.Len(t, pieces, 4)
	for i, p := range pieces {
		require.Equal(t, i, p.Index)
		require.Equal(t, types.NewPieceID(task.ID, i), p.ID)
		require.Equal(t, StateUnassigned, p.State)
		require.Equal(t, 2, p.Redundancy)
	}
}

func TestNextPieceRarestFirst(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(3, 2)
	require.NoError(t, m.Split(task))

	// Load piece 0 with one executor; pieces 1 and 2 stay empty.
	require.NoError(t, m.Assign(task.ID, 0, "peer-a"))

	// The rarest pieces are 1 and 2; the tie breaks on the lower index.
	p, ok := m.NextPiece(task.ID, "peer-b")
	require.True(t, ok)
	require.Equal(t, 1, p.Index)

	require.NoError(t, m.Assign(task.ID, 1, "peer-b"))
	p, ok = m.NextPiece(task.ID, "peer-c")
	require.True(t, ok)
	require.Equal(t, 2, p.Index)
}

func TestNextPieceSkipsHeldAndSaturated(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(2, 1)
	require.NoError(t, m.Split(task))

	require.NoError(t, m.Assign(task.ID, 0, "peer-a"))

	// peer-a already holds piece 0, so it gets piece 1.
	p, ok := m.NextPiece(task.ID, "peer-a")
	require.True(t, ok)
	require.Equal(t, 1, p.Index)
	require.NoError(t, m.Assign(task.ID, 1, "peer-a"))

	// Both pieces saturated at redundancy 1: nothing left for anyone.
	_, ok = m.NextPiece(task.ID, "peer-b")
	require.False(t, ok)
}

func TestAssignRejectsDuplicateAndSaturated(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(1, 2)
	require.NoError(t, m.Split(task))

	require.NoError(t, m.Assign(task.ID, 0, "peer-a"))
	require.ErrorIs(t, m.Assign(task.ID, 0, "peer-a"), types.ErrDuplicateAssign)

	require.NoError(t, m.Assign(task.ID, 0, "peer-b"))
	require.ErrorIs(t, m.Assign(task.ID, 0, "peer-c"), types.ErrPieceSaturated)

	// A submitted result still counts toward saturation.
	_, err := m.RecordResult(types.NewResult(task.ID, 0, []byte("out"), "peer-a"))
	require.NoError(t, err)
	require.ErrorIs(t, m.Assign(task.ID, 0, "peer-c"), types.ErrPieceSaturated)

	// A result from the same peer is also a duplicate hold.
	require.ErrorIs(t, m.Assign(task.ID, 0, "peer-a"), types.ErrDuplicateAssign)
}

func TestRecordResultRequiresAssignment(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(1, 2)
	require.NoError(t, m.Split(task))

	_, err := m.RecordResult(types.NewResult(task.ID, 0, []byte("out"), "peer-x"))
	require.ErrorIs(t, err, types.ErrTaskRejected)

	require.NoError(t, m.Assign(task.ID, 0, "peer-a"))
	p, err := m.RecordResult(types.NewResult(task.ID, 0, []byte("out"), "peer-a"))
	require.NoError(t, err)
	require.Equal(t, StateAwaitingConsensus, p.State)
	require.Len(t, p.Results, 1)
	require.Empty(t, p.AssignedTo)
}

func TestReleaseReturnsPieceToPool(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(1, 1)
	require.NoError(t, m.Split(task))

	require.NoError(t, m.Assign(task.ID, 0, "peer-a"))
	_, ok := m.NextPiece(task.ID, "peer-b")
	require.False(t, ok)

	require.NoError(t, m.Release(task.ID, 0, "peer-a"))
	p, ok := m.NextPiece(task.ID, "peer-b")
	require.True(t, ok)
	require.Equal(t, 0, p.Index)
	require.Equal(t, StateUnassigned, p.State)
}

func TestResetForRetryClearsStateAndCounts(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(1, 2)
	require.NoError(t, m.Split(task))

	require.NoError(t, m.Assign(task.ID, 0, "peer-a"))
	_, err := m.RecordResult(types.NewResult(task.ID, 0, []byte("out"), "peer-a"))
	require.NoError(t, err)

	retries, err := m.ResetForRetry(task.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, retries)

	p, err := m.Get(task.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StateUnassigned, p.State)
	require.Empty(t, p.Results)
	require.Empty(t, p.AssignedTo)

	retries, err = m.ResetForRetry(task.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 2, retries)
}

func TestTaskCompletionAndProgress(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(3, 1)
	require.NoError(t, m.Split(task))

	require.NoError(t, m.MarkComplete(task.ID, 0, "digest-0"))
	require.NoError(t, m.Assign(task.ID, 1, "peer-a"))
	require.False(t, m.TaskComplete(task.ID))

	prog, err := m.TaskProgress(task.ID)
	require.NoError(t, err)
	require.Equal(t, Progress{Total: 3, Completed: 1, Assigned: 1}, prog)
	require.InDelta(t, 1.0/3.0, prog.Fraction(), 1e-9)

	require.NoError(t, m.MarkComplete(task.ID, 1, "digest-1"))
	require.NoError(t, m.MarkComplete(task.ID, 2, "digest-2"))
	require.True(t, m.TaskComplete(task.ID))

	m.RemoveTask(task.ID)
	_, err = m.TaskProgress(task.ID)
	require.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestMarkCompleteIsSingleShot(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(1, 2)
	require.NoError(t, m.Split(task))

	require.NoError(t, m.MarkComplete(task.ID, 0, "digest-a"))
	require.ErrorIs(t, m.MarkComplete(task.ID, 0, "digest-b"), types.ErrPieceNotFound)

	// The first completion stands.
	p, err := m.Get(task.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StateComplete, p.State)
	require.Equal(t, "digest-a", p.WinningDigest)
}

func TestCompletedPieceRejectsFurtherWork(t *testing.T) {
	m := NewManager(log.NewNopLogger())
	task := testTask(1, 2)
	require.NoError(t, m.Split(task))
	require.NoError(t, m.Assign(task.ID, 0, "peer-a"))
	require.NoError(t, m.MarkComplete(task.ID, 0, "digest"))

	require.ErrorIs(t, m.Assign(task.ID, 0, "peer-b"), types.ErrPieceNotFound)
	_, err := m.RecordResult(types.NewResult(task.ID, 0, []byte("late"), "peer-a"))
	require.ErrorIs(t, err, types.ErrPieceNotFound)
	_, ok := m.NextPiece(task.ID, "peer-b")
	require.False(t, ok)
}

// Property: repeated NextPiece selection never hands a peer the same
// piece twice, never oversaturates a piece, and drains all pieces to
// redundancy given enough distinct peers.
func TestRarestFirstDistributionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numPieces := rapid.IntRange(1, 10).Draw(rt, "pieces")
		redundancy := rapid.IntRange(1, 4).Draw(rt, "redundancy")
		numPeers := rapid.IntRange(redundancy, 12).Draw(rt, "peers")

		m := NewManager(log.NewNopLogger())
		task := testTask(numPieces, redundancy)
		require.NoError(rt, m.Split(task))

		assigned := make(map[types.PeerID]map[int]bool)
		for i := 0; i < numPeers; i++ {
			peer := types.PeerID(rapid.StringMatching(`peer-[0-9]{2}`).Draw(rt, "peer"))
			if assigned[peer] == nil {
				assigned[peer] = make(map[int]bool)
			}
			for {
				p, ok := m.NextPiece(task.ID, peer)
				if !ok {
					break
				}
				if assigned[peer][p.Index] {
					rt.Fatalf("peer %s offered piece %d twice", peer, p.Index)
				}
				require.NoError(rt, m.Assign(task.ID, p.Index, peer))
				assigned[peer][p.Index] = true
			}
		}

		pieces, err := m.Pieces(task.ID)
		require.NoError(rt, err)
		for _, p := range pieces {
			if p.Availability() > redundancy {
				rt.Fatalf("piece %d oversaturated: %d > %d", p.Index, p.Availability(), redundancy)
			}
		}
	})
}
