package registry

import (
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/paw-chain/swarm/swarm/types"
)

// Property: reputation stays within [0, 100] under any interleaving of
// successes, failures and non-responses.
func TestReputationBoundsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultConfig()
		cfg.SnapshotInterval = 0
		cfg.Policy.BanThreshold = 0 // keep the peer alive for the whole run
		r, err := New(nil, cfg, log.NewNopLogger())
		require.NoError(rt, err)
		defer r.Close()

		_, err = r.Register("peer", "addr")
		require.NoError(rt, err)
		require.NoError(rt, r.Transition("peer", StateConnected))
		require.NoError(rt, r.SetCapabilities("peer", types.Capabilities{MaxConcurrentTasks: 1 << 30}))

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 200).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				require.NoError(rt, r.ReserveSlot("peer"))
				require.NoError(rt, r.RecordSuccess("peer", time.Second, 1.0))
			case 1:
				require.NoError(rt, r.RecordFailure("peer"))
			case 2:
				require.NoError(rt, r.RecordNonResponse("peer"))
			}

			peer, err := r.Get("peer")
			require.NoError(rt, err)
			if peer.Reputation < types.MinReputation || peer.Reputation > types.MaxReputation {
				rt.Fatalf("reputation %g escaped bounds after op %d", peer.Reputation, op)
			}
		}
	})
}

// Property: TasksInProgress never exceeds MaxConcurrentTasks no matter
// how reserve and release calls interleave.
func TestCapacityInvariantProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultConfig()
		cfg.SnapshotInterval = 0
		r, err := New(nil, cfg, log.NewNopLogger())
		require.NoError(rt, err)
		defer r.Close()

		limit := rapid.IntRange(1, 8).Draw(rt, "limit")
		_, err = r.Register("peer", "addr")
		require.NoError(rt, err)
		require.NoError(rt, r.Transition("peer", StateConnected))
		require.NoError(rt, r.SetCapabilities("peer", types.Capabilities{MaxConcurrentTasks: limit}))

		ops := rapid.SliceOfN(rapid.Bool(), 1, 300).Draw(rt, "ops")
		for _, reserve := range ops {
			if reserve {
				err := r.ReserveSlot("peer")
				peer, getErr := r.Get("peer")
				require.NoError(rt, getErr)
				if peer.TasksInProgress >= limit {
					// A reservation that would overshoot must have failed.
					if err == nil && peer.TasksInProgress > limit {
						rt.Fatalf("capacity exceeded: %d > %d", peer.TasksInProgress, limit)
					}
				}
			} else {
				r.ReleaseSlot("peer")
			}

			peer, err := r.Get("peer")
			require.NoError(rt, err)
			if peer.TasksInProgress < 0 || peer.TasksInProgress > limit {
				rt.Fatalf("in-progress count %d outside [0, %d]", peer.TasksInProgress, limit)
			}
		}
	})
}
