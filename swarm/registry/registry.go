package registry

import (
	"sync"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/paw-chain/swarm/swarm/types"
)

// FailurePolicy configures how the registry reacts to peer failures.
// Wrong results and non-response are distinct signals: a wrong result
// is actively adversarial, silence usually is not.
type FailurePolicy struct {
	// FailurePenalty is subtracted from reputation on a wrong result.
	FailurePenalty float64

	// NonResponsePenalty is subtracted when a peer accepted work and
	// never reported back. Lighter than FailurePenalty by default.
	NonResponsePenalty float64

	// BanThreshold consecutive failures within BanWindow transition
	// the peer to Banned. Zero disables auto-banning.
	BanThreshold int
	BanWindow    time.Duration
}

// Config configures the peer registry.
type Config struct {
	Policy FailurePolicy

	// SnapshotInterval controls periodic persistence of peer records.
	// Zero disables the snapshot loop.
	SnapshotInterval time.Duration

	// OnBan, when set, is invoked after a peer transitions to Banned,
	// outside the peer's record lock.
	OnBan func(id types.PeerID)
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Policy: FailurePolicy{
			FailurePenalty:     5.0,
			NonResponsePenalty: 1.0,
			BanThreshold:       5,
			BanWindow:          10 * time.Minute,
		},
		SnapshotInterval: 1 * time.Hour,
	}
}

// peerRecord guards one peer's mutable state. Distinct peers mutate
// independently; the registry map lock is held only for lookup.
type peerRecord struct {
	mu   sync.Mutex
	peer Peer

	consecutiveFailures int
	lastFailure         time.Time
}

// Registry tracks peer identity, capabilities, connectivity and
// reputation. All compound operations are atomic per peer record.
type Registry struct {
	mu    sync.RWMutex
	peers map[types.PeerID]*peerRecord

	config  Config
	storage Storage
	logger  log.Logger
	metrics *Metrics

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry, restoring any peers found in storage and
// starting the snapshot loop.
func New(storage Storage, config Config, logger log.Logger) (*Registry, error) {
	r := &Registry{
		peers:    make(map[types.PeerID]*peerRecord),
		config:   config,
		storage:  storage,
		logger:   logger,
		metrics:  NewMetrics(),
		stopChan: make(chan struct{}),
	}

	if storage != nil {
		restored, err := storage.LoadAll()
		if err != nil {
			return nil, sdkerrors.Wrap(err, "load registry state")
		}
		for id, peer := range restored {
			r.peers[id] = &peerRecord{peer: *peer}
		}
		if len(restored) > 0 {
			logger.Info("registry state restored", "peers", len(restored))
		}
	}

	if storage != nil && config.SnapshotInterval > 0 {
		r.wg.Add(1)
		go r.snapshotLoop()
	}

	return r, nil
}

// Close stops background work and flushes a final snapshot.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
	if r.storage != nil {
		if err := r.snapshot(); err != nil {
			return err
		}
		return r.storage.Close()
	}
	return nil
}

// Register creates a peer in state Connecting with neutral reputation.
func (r *Registry) Register(id types.PeerID, address string) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; exists {
		return Peer{}, sdkerrors.Wrapf(types.ErrPeerAlreadyExists, "%s", id)
	}

	now := time.Now().UTC()
	peer := Peer{
		ID:           id,
		Address:      address,
		State:        StateConnecting,
		Capabilities: types.DefaultCapabilities(),
		Reputation:   types.NeutralReputation,
		FirstSeen:    now,
		LastSeen:     now,
	}
	r.peers[id] = &peerRecord{peer: peer}

	r.metrics.PeersRegistered.Inc()
	r.metrics.setState(id, StateConnecting)
	r.logger.Info("peer registered", "peer_id", id, "address", address)
	return peer, nil
}

// record returns the live record for a peer.
func (r *Registry) record(id types.PeerID) (*peerRecord, error) {
	r.mu.RLock()
	rec, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, sdkerrors.Wrapf(types.ErrPeerNotFound, "%s", id)
	}
	return rec, nil
}

// SetCapabilities updates a peer's declared capabilities.
func (r *Registry) SetCapabilities(id types.PeerID, caps types.Capabilities) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.peer.Capabilities = caps
	rec.peer.LastSeen = time.Now().UTC()
	return nil
}

// Transition moves a peer through the state machine. Invalid
// transitions are rejected.
func (r *Registry) Transition(id types.PeerID, to PeerState) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()

	from := rec.peer.State
	if !CanTransition(from, to) {
		rec.mu.Unlock()
		return sdkerrors.Wrapf(types.ErrInvalidTransition, "%s: %s -> %s", id, from, to)
	}
	rec.peer.State = to
	rec.peer.LastSeen = time.Now().UTC()

	r.metrics.setState(id, to)
	if to == StateBanned {
		r.metrics.PeersBanned.Inc()
		r.logger.Info("peer banned", "peer_id", id)
	}
	rec.mu.Unlock()

	if to == StateBanned && r.config.OnBan != nil {
		r.config.OnBan(id)
	}
	return nil
}

// CanAcceptTask reports whether the peer is in an accepting state with
// spare capacity. Unknown peers cannot accept.
func (r *Registry) CanAcceptTask(id types.PeerID) bool {
	rec, err := r.record(id)
	if err != nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.peer.CanAcceptTask()
}

// MeetsRequirements is the capability and reputation gate used by the
// scheduler. An empty model skips the model check.
func (r *Registry) MeetsRequirements(id types.PeerID, minReputation float64, requiredModel string) bool {
	rec, err := r.record(id)
	if err != nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.peer.MeetsReputation(minReputation) {
		return false
	}
	if requiredModel != "" && !rec.peer.Capabilities.SupportsModel(requiredModel) {
		return false
	}
	return true
}

// ReserveSlot atomically claims one concurrent-task slot on the peer.
// The check and the increment happen under the record lock, so
// TasksInProgress can never exceed MaxConcurrentTasks.
func (r *Registry) ReserveSlot(id types.PeerID) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.peer.CanAcceptTask() {
		return sdkerrors.Wrapf(types.ErrCapacityExceeded, "peer %s at %d/%d concurrent tasks",
			id, rec.peer.TasksInProgress, rec.peer.Capabilities.MaxConcurrentTasks)
	}
	rec.peer.TasksInProgress++
	if rec.peer.TasksInProgress >= rec.peer.Capabilities.MaxConcurrentTasks && rec.peer.State == StateConnected {
		rec.peer.State = StateBusy
		r.metrics.setState(id, StateBusy)
	}
	return nil
}

// ReleaseSlot frees a slot without touching reputation. Used when an
// assignment is cancelled by deadline or explicit rejection — a
// scheduling outcome, not a peer fault.
func (r *Registry) ReleaseSlot(id types.PeerID) {
	rec, err := r.record(id)
	if err != nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	r.freeSlotLocked(rec)
}

// freeSlotLocked decrements the in-progress counter and leaves Busy if
// capacity opened up. Caller holds rec.mu.
func (r *Registry) freeSlotLocked(rec *peerRecord) {
	if rec.peer.TasksInProgress > 0 {
		rec.peer.TasksInProgress--
	}
	if rec.peer.State == StateBusy && rec.peer.TasksInProgress < rec.peer.Capabilities.MaxConcurrentTasks {
		rec.peer.State = StateConnected
		r.metrics.setState(rec.peer.ID, StateConnected)
	}
}

// RecordSuccess updates counters, the running average completion time
// and reputation after a verified result. The reputation gain decays
// asymptotically toward 100.
func (r *Registry) RecordSuccess(id types.PeerID, completionTime time.Duration, reward float64) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.peer.TasksCompleted++
	r.freeSlotLocked(rec)
	rec.peer.TotalEarned += reward

	total := rec.peer.TasksCompleted + rec.peer.TasksFailed
	prev := float64(rec.peer.AvgCompletionTime)
	rec.peer.AvgCompletionTime = time.Duration((prev*float64(total-1) + float64(completionTime)) / float64(total))

	delta := (types.MaxReputation - rec.peer.Reputation) * 0.01
	rec.peer.Reputation = clampReputation(rec.peer.Reputation + delta)
	rec.peer.LastSeen = time.Now().UTC()

	rec.consecutiveFailures = 0

	r.metrics.TasksSucceeded.Inc()
	r.metrics.Reputation.WithLabelValues(string(id)).Set(rec.peer.Reputation)
	return nil
}

// RecordFailure penalizes a peer for a wrong result and applies the
// auto-ban policy on chronic failure.
func (r *Registry) RecordFailure(id types.PeerID) error {
	return r.recordFailure(id, r.config.Policy.FailurePenalty, true)
}

// RecordNonResponse applies the lighter non-response penalty. It does
// not count toward the auto-ban streak.
func (r *Registry) RecordNonResponse(id types.PeerID) error {
	return r.recordFailure(id, r.config.Policy.NonResponsePenalty, false)
}

func (r *Registry) recordFailure(id types.PeerID, penalty float64, countStreak bool) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()

	rec.peer.TasksFailed++
	r.freeSlotLocked(rec)
	rec.peer.Reputation = clampReputation(rec.peer.Reputation - penalty)
	now := time.Now().UTC()
	rec.peer.LastSeen = now

	banned := false
	if countStreak {
		policy := r.config.Policy
		if policy.BanWindow > 0 && now.Sub(rec.lastFailure) > policy.BanWindow {
			rec.consecutiveFailures = 0
		}
		rec.consecutiveFailures++
		rec.lastFailure = now

		if policy.BanThreshold > 0 && rec.consecutiveFailures >= policy.BanThreshold && rec.peer.State != StateBanned {
			rec.peer.State = StateBanned
			banned = true
			r.metrics.setState(id, StateBanned)
			r.metrics.PeersBanned.Inc()
			r.logger.Info("peer banned for chronic failure",
				"peer_id", id, "consecutive_failures", rec.consecutiveFailures)
		}
	}

	r.metrics.TasksFailed.Inc()
	r.metrics.Reputation.WithLabelValues(string(id)).Set(rec.peer.Reputation)
	rec.mu.Unlock()

	if banned && r.config.OnBan != nil {
		r.config.OnBan(id)
	}
	return nil
}

// SchedulingScore returns the ranking score for a peer.
func (r *Registry) SchedulingScore(id types.PeerID) (float64, error) {
	rec, err := r.record(id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.peer.SchedulingScore(), nil
}

// Get returns a snapshot copy of a peer.
func (r *Registry) Get(id types.PeerID) (Peer, error) {
	rec, err := r.record(id)
	if err != nil {
		return Peer{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.peer, nil
}

// Peers returns snapshot copies of all peers.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	records := make([]*peerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	peers := make([]Peer, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		peers = append(peers, rec.peer)
		rec.mu.Unlock()
	}
	return peers
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) snapshotLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.snapshot(); err != nil {
				r.logger.Error("registry snapshot failed", "error", err)
			}
		case <-r.stopChan:
			return
		}
	}
}

func (r *Registry) snapshot() error {
	for _, peer := range r.Peers() {
		p := peer
		if err := r.storage.Save(&p); err != nil {
			return err
		}
	}
	return nil
}

func clampReputation(v float64) float64 {
	if v < types.MinReputation {
		return types.MinReputation
	}
	if v > types.MaxReputation {
		return types.MaxReputation
	}
	return v
}
