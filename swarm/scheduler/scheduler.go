package scheduler

import (
	"sort"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/swarm/swarm/piece"
	"github.com/paw-chain/swarm/swarm/registry"
	"github.com/paw-chain/swarm/swarm/types"
)

// Assignment binds one piece to one executing peer.
type Assignment struct {
	TaskID     types.TaskID `json:"task_id"`
	PieceIndex int          `json:"piece_index"`
	PeerID     types.PeerID `json:"peer_id"`
	AssignedAt time.Time    `json:"assigned_at"`
}

// Scheduler matches open pieces to eligible peers. Admission is a hard
// filter (capacity, reputation floor, model support); ranking among the
// admitted is by scheduling score.
type Scheduler struct {
	registry *registry.Registry
	pieces   *piece.Manager
	logger   log.Logger
}

// New creates a scheduler over the given registry and piece manager.
func New(reg *registry.Registry, pieces *piece.Manager, logger log.Logger) *Scheduler {
	return &Scheduler{registry: reg, pieces: pieces, logger: logger}
}

// candidates returns the peers eligible for a task, best score first.
// Score ties break on FirstSeen so ordering is stable. The second
// return reports whether some peer was rejected solely by the
// reputation floor, which distinguishes a policy miss from an empty or
// busy swarm.
func (s *Scheduler) candidates(task *types.ComputeTask) ([]registry.Peer, bool) {
	requiredModel := task.Payload.RequiredModel()

	var eligible []registry.Peer
	reputationBlocked := false
	for _, p := range s.registry.Peers() {
		if !p.CanAcceptTask() {
			continue
		}
		if requiredModel != "" && !p.Capabilities.SupportsModel(requiredModel) {
			continue
		}
		if !p.MeetsReputation(task.MinReputation) {
			reputationBlocked = true
			continue
		}
		eligible = append(eligible, p)
	}

	sort.Slice(eligible, func(i, j int) bool {
		si, sj := eligible[i].SchedulingScore(), eligible[j].SchedulingScore()
		if si != sj {
			return si > sj
		}
		return eligible[i].FirstSeen.Before(eligible[j].FirstSeen)
	})
	return eligible, reputationBlocked
}

// SelectPeer returns the best eligible peer for a task.
func (s *Scheduler) SelectPeer(task *types.ComputeTask) (registry.Peer, error) {
	eligible, reputationBlocked := s.candidates(task)
	if len(eligible) == 0 {
		if reputationBlocked {
			return registry.Peer{}, sdkerrors.Wrapf(types.ErrInsufficientReputation,
				"no peer meets reputation floor %g for task %s", task.MinReputation, task.ID)
		}
		return registry.Peer{}, sdkerrors.Wrapf(types.ErrNoPeersAvailable,
			"no eligible peer for task %s (model %q)",
			task.ID, task.Payload.RequiredModel())
	}
	return eligible[0], nil
}

// AssignNext hands the rarest eligible piece of the task to the best
// peer that can take it. The slot reservation and the piece assignment
// are kept consistent: if the piece assignment fails after the slot was
// reserved, the slot is released.
//
// Returns ErrInsufficientReputation when only the reputation floor
// stands in the way, ErrNoPeersAvailable when no peer qualifies for the
// task, and ErrPieceSaturated when peers exist but every open piece is
// already at redundancy or held by all of them.
func (s *Scheduler) AssignNext(task *types.ComputeTask) (Assignment, error) {
	eligible, reputationBlocked := s.candidates(task)
	if len(eligible) == 0 {
		if reputationBlocked {
			return Assignment{}, sdkerrors.Wrapf(types.ErrInsufficientReputation,
				"no peer meets reputation floor %g for task %s", task.MinReputation, task.ID)
		}
		return Assignment{}, sdkerrors.Wrapf(types.ErrNoPeersAvailable,
			"no eligible peer for task %s", task.ID)
	}

	for _, candidate := range eligible {
		p, ok := s.pieces.NextPiece(task.ID, candidate.ID)
		if !ok {
			continue
		}
		if err := s.registry.ReserveSlot(candidate.ID); err != nil {
			// Lost a race for the peer's last slot; try the next one.
			continue
		}
		if err := s.pieces.Assign(task.ID, p.Index, candidate.ID); err != nil {
			s.registry.ReleaseSlot(candidate.ID)
			if sdkerrors.IsOf(err, types.ErrPieceSaturated, types.ErrDuplicateAssign) {
				continue
			}
			return Assignment{}, err
		}

		s.logger.Debug("piece assigned",
			"task_id", task.ID, "piece", p.Index, "peer_id", candidate.ID)
		return Assignment{
			TaskID:     task.ID,
			PieceIndex: p.Index,
			PeerID:     candidate.ID,
			AssignedAt: time.Now().UTC(),
		}, nil
	}

	return Assignment{}, sdkerrors.Wrapf(types.ErrPieceSaturated,
		"no assignable piece in task %s", task.ID)
}

// RejectAssignment undoes an assignment a peer declined. Declining is
// not a fault: the slot and the piece go back to the pool with no
// reputation effect.
func (s *Scheduler) RejectAssignment(a Assignment) error {
	if err := s.pieces.Release(a.TaskID, a.PieceIndex, a.PeerID); err != nil {
		return err
	}
	s.registry.ReleaseSlot(a.PeerID)
	s.logger.Debug("assignment rejected",
		"task_id", a.TaskID, "piece", a.PieceIndex, "peer_id", a.PeerID)
	return nil
}
