package scheduler

import (
	"errors"
	"fmt"
	"testing"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/paw-chain/swarm/swarm/piece"
	"github.com/paw-chain/swarm/swarm/registry"
	"github.com/paw-chain/swarm/swarm/types"
)

// Property: driving AssignNext to exhaustion never violates the peer
// capacity invariant or the piece redundancy cap, and every terminal
// error is one of the two expected exhaustion signals.
func TestAssignmentStormProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := registry.DefaultConfig()
		cfg.SnapshotInterval = 0
		reg, err := registry.New(nil, cfg, log.NewNopLogger())
		require.NoError(rt, err)
		defer reg.Close()

		pieces := piece.NewManager(log.NewNopLogger())
		sched := New(reg, pieces, log.NewNopLogger())

		numPeers := rapid.IntRange(1, 8).Draw(rt, "peers")
		limits := make(map[types.PeerID]int, numPeers)
		for i := 0; i < numPeers; i++ {
			id := types.PeerID(fmt.Sprintf("peer-%d", i))
			limit := rapid.IntRange(1, 5).Draw(rt, "limit")
			limits[id] = limit
			_, err := reg.Register(id, "addr")
			require.NoError(rt, err)
			require.NoError(rt, reg.Transition(id, registry.StateConnected))
			require.NoError(rt, reg.SetCapabilities(id, types.Capabilities{
				MaxConcurrentTasks: limit,
				SupportedModels:    map[string]bool{"bge-large": true},
			}))
		}

		task := types.NewTask(types.TaskPayload{
			Kind:  types.TaskEmbedding,
			Model: "bge-large",
			Texts: []string{"x"},
		}, 1.0)
		task.NumPieces = rapid.IntRange(1, 10).Draw(rt, "pieces")
		task.Redundancy = rapid.IntRange(1, 4).Draw(rt, "redundancy")
		require.NoError(rt, pieces.Split(task))

		for {
			_, err := sched.AssignNext(task)
			if err != nil {
				require.True(rt, isExhaustion(err), "unexpected error: %v", err)
				break
			}
		}

		for id, limit := range limits {
			p, err := reg.Get(id)
			require.NoError(rt, err)
			if p.TasksInProgress > limit {
				rt.Fatalf("peer %s over capacity: %d > %d", id, p.TasksInProgress, limit)
			}
		}
		all, err := pieces.Pieces(task.ID)
		require.NoError(rt, err)
		for _, p := range all {
			if p.Availability() > p.Redundancy {
				rt.Fatalf("piece %d over redundancy: %d > %d", p.Index, p.Availability(), p.Redundancy)
			}
		}
	})
}

func isExhaustion(err error) bool {
	return errors.Is(err, types.ErrNoPeersAvailable) || errors.Is(err, types.ErrPieceSaturated)
}
