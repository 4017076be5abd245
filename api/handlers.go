package api

import (
	"context"
	"net/http"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"github.com/gin-gonic/gin"

	"github.com/paw-chain/swarm/swarm"
	"github.com/paw-chain/swarm/swarm/types"
)

// writeError maps swarm sentinel errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case sdkerrors.IsOf(err, types.ErrPeerNotFound, types.ErrTaskNotFound, types.ErrPieceNotFound):
		status = http.StatusNotFound
	case sdkerrors.IsOf(err, types.ErrPeerAlreadyExists, types.ErrTaskAlreadyExists):
		status = http.StatusConflict
	case sdkerrors.IsOf(err, types.ErrInvalidTaskConfig, types.ErrInvalidTransition):
		status = http.StatusBadRequest
	case sdkerrors.IsOf(err, types.ErrVerificationFailed, types.ErrTaskRejected, types.ErrDuplicateAssign):
		status = http.StatusUnprocessableEntity
	case sdkerrors.IsOf(err, types.ErrNoPeersAvailable, types.ErrCapacityExceeded, types.ErrSwarmClosed):
		status = http.StatusServiceUnavailable
	case sdkerrors.IsOf(err, types.ErrDeadlineExceeded, types.ErrRetriesExhausted, types.ErrTaskFailed):
		status = http.StatusGone
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

func (s *Server) registerPeer(c *gin.Context) {
	var req RegisterPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}

	caps := req.Capabilities
	if caps.MaxConcurrentTasks <= 0 {
		caps = types.DefaultCapabilities()
	}
	if err := s.swarm.RegisterPeer(types.PeerID(req.ID), req.Address, caps); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"peer_id": req.ID})
}

func (s *Server) listPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": s.swarm.Registry().Peers()})
}

func (s *Server) getPeer(c *gin.Context) {
	peer, err := s.swarm.Registry().Get(types.PeerID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, peer)
}

func (s *Server) updateCapabilities(c *gin.Context) {
	var caps types.Capabilities
	if err := c.ShouldBindJSON(&caps); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}
	if err := s.swarm.Registry().SetCapabilities(types.PeerID(c.Param("id")), caps); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) submitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}

	task := types.NewTask(req.Payload, req.Reward)
	task.MinReputation = req.MinReputation
	task.Creator = types.PeerID(req.Creator)
	if req.NumPieces > 0 {
		task.NumPieces = req.NumPieces
	}
	if req.Redundancy > 0 {
		task.Redundancy = req.Redundancy
	}
	if req.Verification != nil {
		task.Verification = *req.Verification
	}
	if req.DeadlineMs > 0 {
		task.Deadline = time.Now().UTC().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	if err := s.swarm.SubmitTask(task); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitTaskResponse{
		TaskID:     task.ID,
		NumPieces:  task.NumPieces,
		Redundancy: task.Redundancy,
	})
}

func (s *Server) getTask(c *gin.Context) {
	taskID := types.TaskID(c.Param("id"))
	task, err := s.swarm.GetTask(taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	state, err := s.swarm.TaskState(taskID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := TaskStatusResponse{
		TaskID: taskID,
		State:  string(state),
		Task:   task,
	}
	// Piece state is dropped once the task is terminal.
	if prog, err := s.swarm.TaskProgress(taskID); err == nil {
		resp.Progress = prog.Fraction()
		resp.Total = prog.Total
		resp.Completed = prog.Completed
		resp.Assigned = prog.Assigned
		resp.Failed = prog.Failed
	} else if state == swarm.TaskStateCompleted {
		resp.Progress = 1.0
	}
	c.JSON(http.StatusOK, resp)
}

// awaitResult blocks until the task finishes or the request context
// ends, bounded by the timeout_ms query parameter.
func (s *Server) awaitResult(c *gin.Context) {
	taskID := types.TaskID(c.Param("id"))

	ctx := c.Request.Context()
	if ms, ok := c.GetQuery("timeout_ms"); ok {
		if d, err := time.ParseDuration(ms + "ms"); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	result, err := s.swarm.AwaitResult(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil {
			c.JSON(http.StatusRequestTimeout, ErrorResponse{Error: "timed out waiting for result"})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TaskResultResponse{
		TaskID:      result.TaskID,
		Pieces:      result.Pieces,
		CompletedAt: result.CompletedAt,
	})
}

func (s *Server) submitResult(c *gin.Context) {
	var req SubmitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: err.Error()})
		return
	}

	result := types.NewResult(types.TaskID(req.TaskID), req.PieceIndex, req.Data, types.PeerID(req.PeerID))
	result.ComputeTime = time.Duration(req.ComputeTimeMs) * time.Millisecond
	result.Attestation = req.Attestation

	verdict, err := s.swarm.SubmitResult(result)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.swarm.Stats())
}
