package types

import "time"

// Event types emitted by the orchestrator.
// All event types use lowercase with underscore separator (module_action format)
const (
	EventTypePeerRegistered = "swarm_peer_registered"
	EventTypePeerBanned     = "swarm_peer_banned"

	EventTypeTaskSubmitted = "swarm_task_submitted"
	EventTypeTaskCompleted = "swarm_task_completed"
	EventTypeTaskFailed    = "swarm_task_failed"

	EventTypePieceAssigned  = "swarm_piece_assigned"
	EventTypePieceResult    = "swarm_piece_result"
	EventTypePieceComplete  = "swarm_piece_complete"
	EventTypePieceReset     = "swarm_piece_reset"
	EventTypePieceRejected  = "swarm_piece_rejected"
	EventTypeConsensusSplit = "swarm_consensus_split"
)

// Event is a notification about swarm activity, delivered to
// subscribers on a best-effort basis.
type Event struct {
	Type       string    `json:"type"`
	TaskID     TaskID    `json:"task_id,omitempty"`
	PieceIndex int       `json:"piece_index,omitempty"`
	PeerID     PeerID    `json:"peer_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}
