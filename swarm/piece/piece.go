package piece

import (
	"time"

	"github.com/paw-chain/swarm/swarm/types"
)

// State is the lifecycle state of a piece.
type State string

const (
	// StateUnassigned means the piece has no active executors.
	StateUnassigned State = "unassigned"
	// StateAssigned means at least one peer is executing the piece.
	StateAssigned State = "assigned"
	// StateAwaitingConsensus means results arrived but the quorum has
	// not been reached yet.
	StateAwaitingConsensus State = "awaiting_consensus"
	// StateComplete means a verified result exists for the piece.
	StateComplete State = "complete"
	// StateFailed means the piece exhausted its retries.
	StateFailed State = "failed"
)

// Piece is a snapshot of one unit of distributable work. Mutation
// happens only through the Manager.
type Piece struct {
	ID         types.PieceID `json:"id"`
	TaskID     types.TaskID  `json:"task_id"`
	Index      int           `json:"index"`
	State      State         `json:"state"`
	Redundancy int           `json:"redundancy"`

	// AssignedTo maps executing peers to their assignment time.
	AssignedTo map[types.PeerID]time.Time `json:"assigned_to,omitempty"`

	// Results holds one submitted result per peer, keyed by peer id.
	Results map[types.PeerID]*types.ComputeResult `json:"results,omitempty"`

	// WinningDigest is set when the piece completes.
	WinningDigest string `json:"winning_digest,omitempty"`

	Retries int `json:"retries"`
}

// Availability is the number of peers that currently hold or have
// completed the piece. Rarest-first ordering minimizes this.
func (p *Piece) Availability() int {
	n := len(p.AssignedTo)
	for peer := range p.Results {
		if _, active := p.AssignedTo[peer]; !active {
			n++
		}
	}
	return n
}

// Saturated reports whether the piece already has redundancy-many
// executors or results and cannot take another assignment.
func (p *Piece) Saturated() bool {
	return p.Availability() >= p.Redundancy
}

// HeldBy reports whether the peer currently executes or has already
// submitted a result for the piece.
func (p *Piece) HeldBy(peer types.PeerID) bool {
	if _, ok := p.AssignedTo[peer]; ok {
		return true
	}
	_, ok := p.Results[peer]
	return ok
}

// open reports whether the piece can still receive assignments.
func (p *Piece) open() bool {
	return p.State != StateComplete && p.State != StateFailed
}

func (p *Piece) snapshot() Piece {
	cp := *p
	cp.AssignedTo = make(map[types.PeerID]time.Time, len(p.AssignedTo))
	for k, v := range p.AssignedTo {
		cp.AssignedTo[k] = v
	}
	cp.Results = make(map[types.PeerID]*types.ComputeResult, len(p.Results))
	for k, v := range p.Results {
		cp.Results[k] = v
	}
	return cp
}
