package registry

import (
	"time"

	"github.com/paw-chain/swarm/swarm/types"
)

// PeerState is the lifecycle state of a peer in the swarm.
type PeerState string

const (
	// StateConnecting means the peer is being discovered/connected.
	StateConnecting PeerState = "connecting"
	// StateConnected means the peer is ready to receive work.
	StateConnected PeerState = "connected"
	// StateBusy means the peer is at its concurrent task limit.
	StateBusy PeerState = "busy"
	// StateUnavailable means the peer is temporarily unreachable.
	StateUnavailable PeerState = "unavailable"
	// StateDisconnected means the peer timed out while unavailable.
	StateDisconnected PeerState = "disconnected"
	// StateBanned is terminal and irreversible.
	StateBanned PeerState = "banned"
)

// validTransitions is the peer state machine. Invalid transitions are
// rejected, never clamped.
var validTransitions = map[PeerState][]PeerState{
	StateConnecting:   {StateConnected, StateUnavailable, StateBanned},
	StateConnected:    {StateBusy, StateUnavailable, StateBanned},
	StateBusy:         {StateConnected, StateUnavailable, StateBanned},
	StateUnavailable:  {StateConnected, StateDisconnected, StateBanned},
	StateDisconnected: {StateConnecting, StateBanned},
	StateBanned:       nil,
}

// CanTransition reports whether moving from one state to another is
// allowed by the state machine.
func CanTransition(from, to PeerState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Peer is the public view of a peer record. Copies returned by the
// registry are snapshots; mutation happens only through registry
// operations.
type Peer struct {
	ID           types.PeerID       `json:"id"`
	Address      string             `json:"address"`
	State        PeerState          `json:"state"`
	Capabilities types.Capabilities `json:"capabilities"`

	// Reputation is bounded to [0, 100] and starts neutral at 50.
	Reputation float64 `json:"reputation"`

	TasksCompleted  uint64 `json:"tasks_completed"`
	TasksFailed     uint64 `json:"tasks_failed"`
	TasksInProgress int    `json:"tasks_in_progress"`

	AvgCompletionTime time.Duration `json:"avg_completion_time"`
	TotalEarned       float64       `json:"total_earned"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// CanAcceptTask reports whether the peer may take on more work.
func (p *Peer) CanAcceptTask() bool {
	if p.State != StateConnected && p.State != StateBusy {
		return false
	}
	return p.TasksInProgress < p.Capabilities.MaxConcurrentTasks
}

// MeetsReputation reports whether the peer clears a reputation floor.
func (p *Peer) MeetsReputation(min float64) bool {
	return p.Reputation >= min
}

// SchedulingScore ranks the peer for assignment; higher is better.
// Reputation dominates, followed by spare capacity, historical success
// rate, and speed. Used only for ranking, never for admission.
func (p *Peer) SchedulingScore() float64 {
	capacity := 0.0
	if p.Capabilities.MaxConcurrentTasks > 0 {
		capacity = 1.0 - float64(p.TasksInProgress)/float64(p.Capabilities.MaxConcurrentTasks)
	}

	total := p.TasksCompleted + p.TasksFailed
	reliability := 0.5 // neutral for peers with no history
	if total > 0 {
		reliability = float64(p.TasksCompleted) / float64(total)
	}

	performance := 0.5
	if p.AvgCompletionTime > 0 {
		performance = float64(time.Second) / float64(p.AvgCompletionTime)
	}

	return p.Reputation*0.5 + capacity*20.0 + reliability*20.0 + performance*10.0
}
