package piece

import (
	"sync"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/swarm/swarm/types"
)

// Progress summarizes the completion state of a task's pieces.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Assigned  int `json:"assigned"`
	Failed    int `json:"failed"`
}

// Fraction returns completion as a ratio in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// Stats aggregates piece counts across all tasks.
type Stats struct {
	Tasks      int `json:"tasks"`
	Pieces     int `json:"pieces"`
	Unassigned int `json:"unassigned"`
	Assigned   int `json:"assigned"`
	Awaiting   int `json:"awaiting_consensus"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Manager tracks piece state for all active tasks and hands out work
// rarest-first. It does no verification and no peer accounting; those
// belong to the verifier and the registry.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[types.TaskID][]*Piece
	logger log.Logger
}

// NewManager creates an empty piece manager.
func NewManager(logger log.Logger) *Manager {
	return &Manager{
		tasks:  make(map[types.TaskID][]*Piece),
		logger: logger,
	}
}

// Split registers a task's pieces. Piece indexes are dense from 0 to
// NumPieces-1; the payload itself is not divided here, executors slice
// their input by index.
func (m *Manager) Split(task *types.ComputeTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return sdkerrors.Wrapf(types.ErrTaskAlreadyExists, "%s", task.ID)
	}

	pieces := make([]*Piece, task.NumPieces)
	for i := range pieces {
		pieces[i] = &Piece{
			ID:         types.NewPieceID(task.ID, i),
			TaskID:     task.ID,
			Index:      i,
			State:      StateUnassigned,
			Redundancy: task.Redundancy,
			AssignedTo: make(map[types.PeerID]time.Time),
			Results:    make(map[types.PeerID]*types.ComputeResult),
		}
	}
	m.tasks[task.ID] = pieces

	m.logger.Debug("task split into pieces", "task_id", task.ID, "pieces", len(pieces))
	return nil
}

// NextPiece selects the rarest open piece the peer does not already
// hold. Ties break on the lowest index, which makes selection
// deterministic for a given state. Returns false when no piece is
// eligible for the peer.
func (m *Manager) NextPiece(taskID types.TaskID, peer types.PeerID) (Piece, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Piece
	for _, p := range m.tasks[taskID] {
		if !p.open() || p.Saturated() || p.HeldBy(peer) {
			continue
		}
		if best == nil || p.Availability() < best.Availability() {
			best = p
		}
	}
	if best == nil {
		return Piece{}, false
	}
	return best.snapshot(), true
}

// Assign records that a peer started executing a piece. Saturated
// pieces and duplicate holders are rejected.
func (m *Manager) Assign(taskID types.TaskID, index int, peer types.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pieceLocked(taskID, index)
	if err != nil {
		return err
	}
	if !p.open() {
		return sdkerrors.Wrapf(types.ErrPieceNotFound, "piece %s no longer open", p.ID)
	}
	if p.HeldBy(peer) {
		return sdkerrors.Wrapf(types.ErrDuplicateAssign, "peer %s already holds piece %s", peer, p.ID)
	}
	if p.Saturated() {
		return sdkerrors.Wrapf(types.ErrPieceSaturated, "piece %s at redundancy %d", p.ID, p.Redundancy)
	}

	p.AssignedTo[peer] = time.Now().UTC()
	if p.State == StateUnassigned {
		p.State = StateAssigned
	}
	return nil
}

// RecordResult stores a peer's result and returns a snapshot of the
// piece for verification. Results from peers that were never assigned
// the piece are rejected.
func (m *Manager) RecordResult(result *types.ComputeResult) (Piece, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pieceLocked(result.TaskID, result.PieceIndex)
	if err != nil {
		return Piece{}, err
	}
	if !p.open() {
		return Piece{}, sdkerrors.Wrapf(types.ErrPieceNotFound, "piece %s no longer open", p.ID)
	}
	if _, assigned := p.AssignedTo[result.PeerID]; !assigned {
		return Piece{}, sdkerrors.Wrapf(types.ErrTaskRejected,
			"peer %s submitted for piece %s without assignment", result.PeerID, p.ID)
	}

	delete(p.AssignedTo, result.PeerID)
	p.Results[result.PeerID] = result
	p.State = StateAwaitingConsensus
	return p.snapshot(), nil
}

// Release drops a peer's assignment without a result. Used on deadline
// expiry and explicit rejection.
func (m *Manager) Release(taskID types.TaskID, index int, peer types.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pieceLocked(taskID, index)
	if err != nil {
		return err
	}
	delete(p.AssignedTo, peer)
	if p.State == StateAssigned && len(p.AssignedTo) == 0 && len(p.Results) == 0 {
		p.State = StateUnassigned
	}
	return nil
}

// MarkComplete finalizes a piece with its winning digest. A piece can
// be completed exactly once: a second caller racing on the same quorum
// snapshot gets an error instead of settling again.
func (m *Manager) MarkComplete(taskID types.TaskID, index int, winningDigest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pieceLocked(taskID, index)
	if err != nil {
		return err
	}
	if !p.open() {
		return sdkerrors.Wrapf(types.ErrPieceNotFound, "piece %s no longer open", p.ID)
	}
	p.State = StateComplete
	p.WinningDigest = winningDigest
	return nil
}

// MarkFailed finalizes a piece as unrecoverable.
func (m *Manager) MarkFailed(taskID types.TaskID, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pieceLocked(taskID, index)
	if err != nil {
		return err
	}
	p.State = StateFailed
	return nil
}

// ResetForRetry clears a piece's assignments and results so it can be
// redistributed, bumping its retry counter. Returns the new count.
func (m *Manager) ResetForRetry(taskID types.TaskID, index int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pieceLocked(taskID, index)
	if err != nil {
		return 0, err
	}
	p.AssignedTo = make(map[types.PeerID]time.Time)
	p.Results = make(map[types.PeerID]*types.ComputeResult)
	p.State = StateUnassigned
	p.Retries++
	return p.Retries, nil
}

// RaiseRedundancy increases a piece's redundancy, used when consensus
// splits and more independent executions are needed.
func (m *Manager) RaiseRedundancy(taskID types.TaskID, index, redundancy int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.pieceLocked(taskID, index)
	if err != nil {
		return err
	}
	if redundancy > p.Redundancy {
		p.Redundancy = redundancy
	}
	return nil
}

// Get returns a snapshot of one piece.
func (m *Manager) Get(taskID types.TaskID, index int) (Piece, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, err := m.pieceLocked(taskID, index)
	if err != nil {
		return Piece{}, err
	}
	return p.snapshot(), nil
}

// Pieces returns snapshots of all pieces for a task, in index order.
func (m *Manager) Pieces(taskID types.TaskID) ([]Piece, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pieces, ok := m.tasks[taskID]
	if !ok {
		return nil, sdkerrors.Wrapf(types.ErrTaskNotFound, "%s", taskID)
	}
	out := make([]Piece, len(pieces))
	for i, p := range pieces {
		out[i] = p.snapshot()
	}
	return out, nil
}

// TaskComplete reports whether every piece of the task is complete.
func (m *Manager) TaskComplete(taskID types.TaskID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pieces, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	for _, p := range pieces {
		if p.State != StateComplete {
			return false
		}
	}
	return true
}

// TaskProgress summarizes a task's piece states.
func (m *Manager) TaskProgress(taskID types.TaskID) (Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pieces, ok := m.tasks[taskID]
	if !ok {
		return Progress{}, sdkerrors.Wrapf(types.ErrTaskNotFound, "%s", taskID)
	}
	prog := Progress{Total: len(pieces)}
	for _, p := range pieces {
		switch p.State {
		case StateComplete:
			prog.Completed++
		case StateAssigned, StateAwaitingConsensus:
			prog.Assigned++
		case StateFailed:
			prog.Failed++
		}
	}
	return prog, nil
}

// RemoveTask drops all piece state for a finished task.
func (m *Manager) RemoveTask(taskID types.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
}

// Stats aggregates piece counts across all tracked tasks.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Tasks: len(m.tasks)}
	for _, pieces := range m.tasks {
		stats.Pieces += len(pieces)
		for _, p := range pieces {
			switch p.State {
			case StateUnassigned:
				stats.Unassigned++
			case StateAssigned:
				stats.Assigned++
			case StateAwaitingConsensus:
				stats.Awaiting++
			case StateComplete:
				stats.Completed++
			case StateFailed:
				stats.Failed++
			}
		}
	}
	return stats
}

// pieceLocked resolves a piece by task and index. Caller holds m.mu.
func (m *Manager) pieceLocked(taskID types.TaskID, index int) (*Piece, error) {
	pieces, ok := m.tasks[taskID]
	if !ok {
		return nil, sdkerrors.Wrapf(types.ErrTaskNotFound, "%s", taskID)
	}
	if index < 0 || index >= len(pieces) {
		return nil, sdkerrors.Wrapf(types.ErrPieceNotFound, "%s:%d", taskID, index)
	}
	return pieces[index], nil
}
