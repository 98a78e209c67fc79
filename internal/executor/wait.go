package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kraklabs/coderun/internal/eventbridge"
	"github.com/kraklabs/coderun/internal/repository"
)

// waitForCompletion blocks until the session goes idle, the job is
// aborted, or JobSoftTimeout elapses. It mirrors every session.*/
// permission.* stream event into the job's event log and auto-decides
// permission requests as they appear.
func (e *Executor) waitForCompletion(ctx context.Context, jobID, workspaceDir, sessionID string) error {
	deadline := time.Now().Add(e.cfg.JobSoftTimeout)
	var approvalWaitStartedAt time.Time
	lastPoll := time.Time{}

	for time.Now().Before(deadline) {
		if err := e.ensureNotAborted(ctx, jobID, workspaceDir, sessionID); err != nil {
			return err
		}

		if time.Since(lastPoll) >= e.cfg.StatusPollInterval {
			done, waitStart, err := e.syncCompletionState(ctx, jobID, workspaceDir, sessionID, approvalWaitStartedAt)
			if err != nil {
				return err
			}
			approvalWaitStartedAt = waitStart
			lastPoll = time.Now()
			if done {
				return nil
			}
		}

		streamed, err := e.drainStreamEvents(ctx, jobID, workspaceDir, sessionID, deadline)
		if err != nil {
			return err
		}
		_ = streamed

		done, waitStart, err := e.syncCompletionState(ctx, jobID, workspaceDir, sessionID, approvalWaitStartedAt)
		if err != nil {
			return err
		}
		approvalWaitStartedAt = waitStart
		lastPoll = time.Now()
		if done {
			return nil
		}

		time.Sleep(time.Second)
	}

	_ = e.agent.AbortSession(ctx, workspaceDir, sessionID)
	return fmt.Errorf("job execution timeout")
}

// drainStreamEvents opens the /event stream and consumes frames belonging
// to sessionID until the stream read timeout elapses or deadline passes.
func (e *Executor) drainStreamEvents(ctx context.Context, jobID, workspaceDir, sessionID string, deadline time.Time) (bool, error) {
	stream, err := e.events.Open(ctx, workspaceDir)
	if err != nil {
		_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceWorker, "opencode.event.stream.disconnected", "", err.Error(), "")
		return false, nil
	}
	defer stream.Close()

	for time.Now().Before(deadline) {
		event, ok := stream.Next()
		if !ok {
			return false, nil
		}
		if !eventbridge.ContainsSessionID(event.Data, sessionID) {
			continue
		}
		if err := e.ensureNotAborted(ctx, jobID, workspaceDir, sessionID); err != nil {
			return false, err
		}
		e.recordStreamEvent(ctx, jobID, event)
		if isPermissionEvent(event.Name) {
			if err := e.processPermissions(ctx, jobID, workspaceDir); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

func isPermissionEvent(name string) bool {
	return len(name) >= len("permission.") && name[:len("permission.")] == "permission."
}

func isSessionEvent(name string) bool {
	return len(name) >= len("session.") && name[:len("session.")] == "session."
}

func (e *Executor) recordStreamEvent(ctx context.Context, jobID string, event eventbridge.Event) {
	name := event.Name
	if name == "" {
		name = "message"
	}
	if !isSessionEvent(name) && !isPermissionEvent(name) {
		return
	}

	message := ""
	var payloadJSON string
	switch data := event.Data.(type) {
	case map[string]any:
		if m, ok := data["message"].(string); ok {
			message = m
		} else if t, ok := data["type"]; ok {
			message = fmt.Sprintf("%v", t)
		}
		payloadJSON = marshalPayload(data)
	case string:
		message = data
	}

	_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceOpencode, name, "", message, payloadJSON)
}

// syncCompletionState polls session status and pending permissions once,
// returning whether the session has gone idle and the (possibly updated)
// time the job entered waiting_approval.
func (e *Executor) syncCompletionState(ctx context.Context, jobID, workspaceDir, sessionID string, approvalWaitStartedAt time.Time) (bool, time.Time, error) {
	if err := e.processPermissions(ctx, jobID, workspaceDir); err != nil {
		return false, approvalWaitStartedAt, err
	}

	statusMap, err := e.agent.GetSessionStatus(ctx, workspaceDir)
	if err != nil {
		return false, approvalWaitStartedAt, nil //nolint:nilerr // transient poll failure, retried next tick
	}
	sessionStatus, _ := statusMap[sessionID].(map[string]any)
	stateType, _ := sessionStatus["type"].(string)

	switch stateType {
	case "idle":
		_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceOpencode, "session.updated", "", "session idle", marshalPayload(sessionStatus))
		return true, time.Time{}, nil
	case "retry":
		message, _ := sessionStatus["message"].(string)
		_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceOpencode, "session.retry", "", message, marshalPayload(sessionStatus))
	}

	pending, err := e.agent.ListPermissions(ctx, workspaceDir)
	if err != nil {
		return false, approvalWaitStartedAt, nil //nolint:nilerr // transient poll failure, retried next tick
	}
	waiting := false
	for _, p := range pending {
		if p.SessionID == sessionID {
			waiting = true
			break
		}
	}

	if waiting {
		if approvalWaitStartedAt.IsZero() {
			approvalWaitStartedAt = time.Now()
			if err := e.setStatusOrAbort(ctx, jobID, repository.StatusWaitingApproval); err != nil {
				return false, approvalWaitStartedAt, err
			}
		} else if time.Since(approvalWaitStartedAt) > e.cfg.PermissionWaitTimeout {
			return false, approvalWaitStartedAt, errors.New("permission waiting timeout")
		}
		return false, approvalWaitStartedAt, nil
	}

	approvalWaitStartedAt = time.Time{}
	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return false, approvalWaitStartedAt, err
	}
	if job.Status == repository.StatusWaitingApproval {
		if err := e.setStatusOrAbort(ctx, jobID, repository.StatusRunning); err != nil {
			return false, approvalWaitStartedAt, err
		}
	}
	return false, approvalWaitStartedAt, nil
}

func (e *Executor) processPermissions(ctx context.Context, jobID, workspaceDir string) error {
	requests, err := e.agent.ListPermissions(ctx, workspaceDir)
	if err != nil {
		return nil //nolint:nilerr // transient poll failure, retried next tick
	}
	for _, req := range requests {
		if req.ID == "" {
			continue
		}
		decision := e.policy.Decide(toPolicyRequest(req), workspaceDir)
		if err := e.agent.ReplyPermission(ctx, workspaceDir, req.ID, string(decision.Reply), decision.Message); err != nil {
			return fmt.Errorf("reply permission %s: %w", req.ID, err)
		}
		if err := e.repo.AddPermissionAction(ctx, jobID, req.ID, decision.Reply, "policy-engine"); err != nil {
			return err
		}
		payload := marshalPayload(map[string]any{"request_id": req.ID, "reply": string(decision.Reply)})
		_, _ = e.repo.AddEvent(ctx, jobID, repository.SourceWorker, "permission.replied", "", fmt.Sprintf("%s:%s", req.ID, decision.Reply), payload)
	}
	return nil
}
