// Package swarm coordinates distributed compute: it splits tasks into
// pieces, schedules them across a peer swarm, verifies redundant
// results by hash consensus or attestation, and settles reputation and
// rewards.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/swarm/swarm/piece"
	"github.com/paw-chain/swarm/swarm/registry"
	"github.com/paw-chain/swarm/swarm/scheduler"
	"github.com/paw-chain/swarm/swarm/types"
	"github.com/paw-chain/swarm/swarm/verifier"
)

// TaskState is the orchestrator-level lifecycle of a task.
type TaskState string

const (
	// TaskStateSubmitted means the task was admitted but not yet split.
	TaskStateSubmitted TaskState = "submitted"
	// TaskStateSplitting means pieces are being created.
	TaskStateSplitting TaskState = "splitting"
	// TaskStateAssigning means open pieces are being distributed.
	TaskStateAssigning TaskState = "assigning"
	// TaskStateAwaitingResults means every open piece is in flight and
	// the swarm is waiting on executors. Reported, not stored: the task
	// drops back to assigning the moment a piece reopens.
	TaskStateAwaitingResults TaskState = "awaiting_results"
	// TaskStateFinalizing means the last piece verified and the output
	// is being assembled.
	TaskStateFinalizing TaskState = "finalizing"
	// TaskStateCompleted means every piece verified; the result is final.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed means the task terminated without a full result.
	TaskStateFailed TaskState = "failed"
)

// Config configures the orchestrator.
type Config struct {
	Registry registry.Config

	// MaxPieceRetries bounds redistribution attempts per piece after a
	// consensus split. Exhausting it fails the whole task.
	MaxPieceRetries int

	// RetryRedundancyBump raises a piece's redundancy on each retry so
	// repeated splits recruit more independent executions.
	RetryRedundancyBump int

	// AssignInterval is the idle tick of the scheduling loop. Submits,
	// results and registrations kick the loop immediately.
	AssignInterval time.Duration

	// SweepInterval is how often expired deadlines are collected.
	SweepInterval time.Duration

	// TaskRetention bounds how long completed and failed tasks stay
	// queryable before the sweep evicts them. Zero retains them for the
	// life of the process.
	TaskRetention time.Duration

	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int

	// Attestor validates TEE evidence for attested tasks. Nil fails
	// attested submissions closed.
	Attestor verifier.AttestationVerifier
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Registry:            registry.DefaultConfig(),
		MaxPieceRetries:     3,
		RetryRedundancyBump: 2,
		AssignInterval:      500 * time.Millisecond,
		SweepInterval:       time.Second,
		TaskRetention:       time.Hour,
		EventBuffer:         64,
	}
}

// TaskResult is the assembled output of a completed task, one winning
// payload per piece in index order.
type TaskResult struct {
	TaskID      types.TaskID `json:"task_id"`
	Pieces      [][]byte     `json:"pieces"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Stats is a point-in-time summary of the swarm. It is an
// eventually-consistent snapshot, not a transactional view.
type Stats struct {
	Peers          int                      `json:"peers"`
	ActiveTasks    int                      `json:"active_tasks"`
	CompletedTasks int                      `json:"completed_tasks"`
	FailedTasks    int                      `json:"failed_tasks"`
	Pieces         piece.Stats              `json:"pieces"`
	Reputations    map[types.PeerID]float64 `json:"reputations"`
}

// taskRecord is the orchestrator's bookkeeping for one task.
type taskRecord struct {
	task  *types.ComputeTask
	state TaskState

	// outputs holds the winning payload per piece index as pieces
	// complete.
	outputs [][]byte

	// err is the terminal error for failed tasks.
	err error

	// finishedAt is when the task reached a terminal state. The
	// retention sweep uses it to evict old records.
	finishedAt time.Time

	// done is closed exactly once when the task reaches a terminal
	// state.
	done chan struct{}
}

// Orchestrator runs the swarm: peer registry, piece distribution,
// scheduling, verification and task lifecycle.
type Orchestrator struct {
	config    Config
	logger    log.Logger
	registry  *registry.Registry
	pieces    *piece.Manager
	scheduler *scheduler.Scheduler
	verifier  *verifier.Verifier
	events    *eventHub

	mu        sync.RWMutex
	tasks     map[types.TaskID]*taskRecord
	completed int
	failed    int
	closed    bool

	kick     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an orchestrator and starts its scheduling and deadline
// loops. storage may be nil for a memory-only registry.
func New(storage registry.Storage, config Config, logger log.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		config:   config,
		logger:   logger,
		events:   newEventHub(config.EventBuffer, logger),
		tasks:    make(map[types.TaskID]*taskRecord),
		kick:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}

	regConfig := config.Registry
	regConfig.OnBan = func(id types.PeerID) {
		o.publish(types.Event{Type: types.EventTypePeerBanned, PeerID: id})
	}
	reg, err := registry.New(storage, regConfig, logger.With("component", "registry"))
	if err != nil {
		return nil, err
	}

	o.registry = reg
	o.pieces = piece.NewManager(logger.With("component", "pieces"))
	o.scheduler = scheduler.New(reg, o.pieces, logger.With("component", "scheduler"))
	o.verifier = verifier.New(reg, o.pieces, config.Attestor, logger.With("component", "verifier"))

	o.wg.Add(2)
	go o.assignLoop()
	go o.sweepLoop()
	return o, nil
}

// Close stops the loops, fails all active tasks and shuts the registry
// down.
func (o *Orchestrator) Close() error {
	o.stopOnce.Do(func() { close(o.stopChan) })
	o.wg.Wait()

	o.mu.Lock()
	o.closed = true
	for _, rec := range o.tasks {
		if rec.state == TaskStateAssigning {
			o.failLocked(rec, types.ErrSwarmClosed, "shutdown")
		}
	}
	o.mu.Unlock()

	o.events.close()
	return o.registry.Close()
}

// Registry exposes the peer registry for inspection.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// RegisterPeer adds a peer, connects it and records its capabilities.
func (o *Orchestrator) RegisterPeer(id types.PeerID, address string, caps types.Capabilities) error {
	if _, err := o.registry.Register(id, address); err != nil {
		return err
	}
	if err := o.registry.Transition(id, registry.StateConnected); err != nil {
		return err
	}
	if err := o.registry.SetCapabilities(id, caps); err != nil {
		return err
	}

	o.publish(types.Event{Type: types.EventTypePeerRegistered, PeerID: id})
	o.kickScheduler()
	return nil
}

// SubmitTask validates and admits a task, splits it into pieces and
// starts distribution.
func (o *Orchestrator) SubmitTask(task *types.ComputeTask) error {
	if err := task.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return types.ErrSwarmClosed
	}
	if _, exists := o.tasks[task.ID]; exists {
		o.mu.Unlock()
		return sdkerrors.Wrapf(types.ErrTaskAlreadyExists, "%s", task.ID)
	}
	rec := &taskRecord{
		task:    task,
		state:   TaskStateSubmitted,
		outputs: make([][]byte, task.NumPieces),
		done:    make(chan struct{}),
	}
	o.tasks[task.ID] = rec
	rec.state = TaskStateSplitting
	o.mu.Unlock()

	if err := o.pieces.Split(task); err != nil {
		o.mu.Lock()
		delete(o.tasks, task.ID)
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	rec.state = TaskStateAssigning
	o.mu.Unlock()

	o.logger.Info("task submitted",
		"task_id", task.ID, "kind", task.Payload.Kind,
		"pieces", task.NumPieces, "redundancy", task.Redundancy)
	o.publish(types.Event{Type: types.EventTypeTaskSubmitted, TaskID: task.ID})
	o.kickScheduler()
	return nil
}

// SubmitResult ingests one peer's piece result and advances the owning
// task. Terminal task outcomes are delivered through AwaitResult, not
// through this call's error.
func (o *Orchestrator) SubmitResult(result *types.ComputeResult) (verifier.Verdict, error) {
	o.mu.RLock()
	rec, ok := o.tasks[result.TaskID]
	var state TaskState
	if ok {
		state = rec.state
	}
	o.mu.RUnlock()
	if !ok {
		return verifier.Verdict{}, sdkerrors.Wrapf(types.ErrTaskNotFound, "%s", result.TaskID)
	}
	if state != TaskStateAssigning {
		return verifier.Verdict{}, sdkerrors.Wrapf(types.ErrTaskNotFound,
			"task %s already %s", result.TaskID, state)
	}

	verdict, err := o.verifier.Submit(rec.task, result)
	if err != nil {
		return verdict, err
	}

	o.publish(types.Event{
		Type:       types.EventTypePieceResult,
		TaskID:     result.TaskID,
		PieceIndex: result.PieceIndex,
		PeerID:     result.PeerID,
	})

	switch verdict.Outcome {
	case verifier.OutcomeConsensus:
		o.onPieceComplete(rec, verdict, result)
	case verifier.OutcomeMismatch, verifier.OutcomeImpossible:
		o.onConsensusSplit(rec, verdict)
	}
	return verdict, nil
}

// RejectAssignment lets a peer decline work it was handed. No penalty
// applies.
func (o *Orchestrator) RejectAssignment(a scheduler.Assignment) error {
	if err := o.scheduler.RejectAssignment(a); err != nil {
		return err
	}
	o.publish(types.Event{
		Type:       types.EventTypePieceRejected,
		TaskID:     a.TaskID,
		PieceIndex: a.PieceIndex,
		PeerID:     a.PeerID,
	})
	o.kickScheduler()
	return nil
}

// ReportNonResponse records that an assigned peer went silent. The
// piece goes back to the pool and the peer takes the non-response
// penalty.
func (o *Orchestrator) ReportNonResponse(a scheduler.Assignment) error {
	if err := o.pieces.Release(a.TaskID, a.PieceIndex, a.PeerID); err != nil {
		return err
	}
	if err := o.registry.RecordNonResponse(a.PeerID); err != nil {
		return err
	}
	o.kickScheduler()
	return nil
}

// AwaitResult blocks until the task reaches a terminal state or the
// context ends.
func (o *Orchestrator) AwaitResult(ctx context.Context, taskID types.TaskID) (*TaskResult, error) {
	o.mu.RLock()
	rec, ok := o.tasks[taskID]
	o.mu.RUnlock()
	if !ok {
		return nil, sdkerrors.Wrapf(types.ErrTaskNotFound, "%s", taskID)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if rec.state == TaskStateFailed {
		return nil, rec.err
	}
	return &TaskResult{
		TaskID:      taskID,
		Pieces:      rec.outputs,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// TaskState returns the lifecycle state of a task. An assigning task
// whose open pieces are all in flight reports awaiting_results.
func (o *Orchestrator) TaskState(taskID types.TaskID) (TaskState, error) {
	o.mu.RLock()
	rec, ok := o.tasks[taskID]
	var state TaskState
	if ok {
		state = rec.state
	}
	o.mu.RUnlock()
	if !ok {
		return "", sdkerrors.Wrapf(types.ErrTaskNotFound, "%s", taskID)
	}

	if state == TaskStateAssigning {
		if prog, err := o.pieces.TaskProgress(taskID); err == nil &&
			prog.Assigned > 0 && prog.Assigned+prog.Completed == prog.Total {
			return TaskStateAwaitingResults, nil
		}
	}
	return state, nil
}

// TaskProgress reports piece completion for a task.
func (o *Orchestrator) TaskProgress(taskID types.TaskID) (piece.Progress, error) {
	return o.pieces.TaskProgress(taskID)
}

// GetTask returns the task definition.
func (o *Orchestrator) GetTask(taskID types.TaskID) (*types.ComputeTask, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.tasks[taskID]
	if !ok {
		return nil, sdkerrors.Wrapf(types.ErrTaskNotFound, "%s", taskID)
	}
	return rec.task, nil
}

// Subscribe returns a channel of swarm events and a cancel function.
func (o *Orchestrator) Subscribe() (<-chan types.Event, func()) {
	return o.events.subscribe()
}

// Stats summarizes the swarm.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	active := 0
	for _, rec := range o.tasks {
		if rec.state == TaskStateAssigning {
			active++
		}
	}
	completed, failed := o.completed, o.failed
	o.mu.RUnlock()

	peers := o.registry.Peers()
	reputations := make(map[types.PeerID]float64, len(peers))
	for _, p := range peers {
		reputations[p.ID] = p.Reputation
	}

	return Stats{
		Peers:          len(peers),
		ActiveTasks:    active,
		CompletedTasks: completed,
		FailedTasks:    failed,
		Pieces:         o.pieces.Stats(),
		Reputations:    reputations,
	}
}

// onPieceComplete stores the winning output and finishes the task when
// it was the last piece.
func (o *Orchestrator) onPieceComplete(rec *taskRecord, verdict verifier.Verdict, result *types.ComputeResult) {
	o.mu.Lock()
	if verdict.PieceIndex < len(rec.outputs) {
		rec.outputs[verdict.PieceIndex] = result.Data
	}
	o.mu.Unlock()

	o.publish(types.Event{
		Type:       types.EventTypePieceComplete,
		TaskID:     rec.task.ID,
		PieceIndex: verdict.PieceIndex,
	})

	if o.pieces.TaskComplete(rec.task.ID) {
		o.mu.Lock()
		o.completeLocked(rec)
		o.mu.Unlock()
	} else {
		o.kickScheduler()
	}
}

// onConsensusSplit retries the piece with raised redundancy, or fails
// the task when retries are exhausted.
func (o *Orchestrator) onConsensusSplit(rec *taskRecord, verdict verifier.Verdict) {
	taskID := rec.task.ID
	o.publish(types.Event{
		Type:       types.EventTypeConsensusSplit,
		TaskID:     taskID,
		PieceIndex: verdict.PieceIndex,
	})

	retries, err := o.pieces.ResetForRetry(taskID, verdict.PieceIndex)
	if err != nil {
		o.logger.Error("piece retry reset failed", "task_id", taskID, "error", err)
		return
	}
	if retries > o.config.MaxPieceRetries {
		_ = o.pieces.MarkFailed(taskID, verdict.PieceIndex)
		o.mu.Lock()
		o.failLocked(rec, fmt.Errorf("%w: piece %s:%d split %d times: %w",
			types.ErrRetriesExhausted, taskID, verdict.PieceIndex, retries,
			sdkerrors.Wrapf(types.ErrConsensusNotReached,
				"%d matching of %d required", verdict.BestCount, verdict.Quorum)), "retries exhausted")
		o.mu.Unlock()
		return
	}

	bumped := rec.task.Redundancy + retries*o.config.RetryRedundancyBump
	if err := o.pieces.RaiseRedundancy(taskID, verdict.PieceIndex, bumped); err != nil {
		o.logger.Error("redundancy raise failed", "task_id", taskID, "error", err)
	}
	o.logger.Info("piece reset for retry",
		"task_id", taskID, "piece", verdict.PieceIndex,
		"retry", retries, "redundancy", bumped)
	o.publish(types.Event{
		Type:       types.EventTypePieceReset,
		TaskID:     taskID,
		PieceIndex: verdict.PieceIndex,
	})
	o.kickScheduler()
}

// completeLocked finalizes a successful task. Caller holds o.mu.
func (o *Orchestrator) completeLocked(rec *taskRecord) {
	if rec.state != TaskStateAssigning {
		return
	}
	rec.state = TaskStateFinalizing
	o.pieces.RemoveTask(rec.task.ID)
	o.verifier.ForgetTask(rec.task.ID)

	rec.state = TaskStateCompleted
	rec.finishedAt = time.Now().UTC()
	o.completed++
	close(rec.done)

	o.logger.Info("task completed", "task_id", rec.task.ID)
	o.publish(types.Event{Type: types.EventTypeTaskCompleted, TaskID: rec.task.ID})
}

// failLocked finalizes a failed task and releases any in-flight
// assignments without penalty. Caller holds o.mu.
func (o *Orchestrator) failLocked(rec *taskRecord, err error, reason string) {
	if rec.state != TaskStateAssigning {
		return
	}
	rec.state = TaskStateFailed
	rec.err = err
	rec.finishedAt = time.Now().UTC()
	o.failed++
	close(rec.done)

	o.releaseInFlight(rec.task.ID)
	o.pieces.RemoveTask(rec.task.ID)
	o.verifier.ForgetTask(rec.task.ID)

	o.logger.Info("task failed", "task_id", rec.task.ID, "reason", reason)
	o.publish(types.Event{
		Type:   types.EventTypeTaskFailed,
		TaskID: rec.task.ID,
		Reason: reason,
	})
}

// releaseInFlight frees slots held for a task's unfinished pieces.
// Cancellation is a scheduling outcome, not a peer fault.
func (o *Orchestrator) releaseInFlight(taskID types.TaskID) {
	pieces, err := o.pieces.Pieces(taskID)
	if err != nil {
		return
	}
	for _, p := range pieces {
		// Settled pieces already returned their slots through the
		// verifier.
		if p.State == piece.StateComplete || p.State == piece.StateFailed {
			continue
		}
		for peerID := range p.AssignedTo {
			_ = o.pieces.Release(taskID, p.Index, peerID)
			o.registry.ReleaseSlot(peerID)
		}
		// Submitted results that never settled still hold their slots:
		// settlement is the only other place they are freed.
		for peerID := range p.Results {
			o.registry.ReleaseSlot(peerID)
		}
	}
}

// kickScheduler nudges the assignment loop without blocking.
func (o *Orchestrator) kickScheduler() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) publish(ev types.Event) {
	ev.Time = time.Now().UTC()
	o.events.publish(ev)
}

// assignLoop distributes open pieces whenever kicked or on the idle
// tick.
func (o *Orchestrator) assignLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.AssignInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-o.kick:
		case <-ticker.C:
		}
		o.assignPending()
	}
}

// assignPending pushes assignments for every active task until peers or
// pieces run out.
func (o *Orchestrator) assignPending() {
	o.mu.RLock()
	active := make([]*taskRecord, 0, len(o.tasks))
	for _, rec := range o.tasks {
		if rec.state == TaskStateAssigning {
			active = append(active, rec)
		}
	}
	o.mu.RUnlock()

	for _, rec := range active {
		for {
			a, err := o.scheduler.AssignNext(rec.task)
			if err != nil {
				if !sdkerrors.IsOf(err, types.ErrNoPeersAvailable, types.ErrPieceSaturated,
					types.ErrInsufficientReputation) {
					o.logger.Error("assignment failed", "task_id", rec.task.ID, "error", err)
				}
				break
			}
			o.publish(types.Event{
				Type:       types.EventTypePieceAssigned,
				TaskID:     a.TaskID,
				PieceIndex: a.PieceIndex,
				PeerID:     a.PeerID,
			})
		}
	}
}

// sweepLoop fails tasks whose deadline passed.
func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			o.sweepDeadlines(now)
			o.sweepRetention(now)
		}
	}
}

// sweepDeadlines fails every active task past its deadline at now.
func (o *Orchestrator) sweepDeadlines(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range o.tasks {
		if rec.state == TaskStateAssigning && rec.task.Expired(now) {
			o.failLocked(rec, sdkerrors.Wrapf(types.ErrDeadlineExceeded,
				"task %s deadline %s", rec.task.ID, rec.task.Deadline.Format(time.RFC3339)), "deadline exceeded")
		}
	}
}

// sweepRetention evicts terminal task records older than the retention
// window so an always-on daemon does not accumulate them without bound.
func (o *Orchestrator) sweepRetention(now time.Time) {
	if o.config.TaskRetention <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, rec := range o.tasks {
		terminal := rec.state == TaskStateCompleted || rec.state == TaskStateFailed
		if terminal && now.Sub(rec.finishedAt) > o.config.TaskRetention {
			delete(o.tasks, id)
		}
	}
}
