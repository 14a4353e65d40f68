package pulse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/pulse/internal/broadcast"
)

// StartTask publishes a new task under the next task number. Sessions are
// reconciled first, so the number never falls behind a task another
// coordinator context already wrote. Any other active task of the session
// is deactivated first, on both adapters, so at most one task is ever
// active. A stale row with the same number is replaced.
func (c *SyncContext) StartTask(ctx context.Context, activity ActivityType, question string) (*Session, error) {
	if err := c.requireRole(RoleCoordinator, "start task"); err != nil {
		return nil, err
	}
	if !activity.IsValid() {
		return nil, fmt.Errorf("start task: %q: %w", activity, ErrInvalidActivity)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("start task: question: %w", ErrEmptyContent)
	}
	if len(question) > MaxQuestionLen {
		return nil, fmt.Errorf("start task: question longer than %d bytes: %w", MaxQuestionLen, ErrInvalidContent)
	}
	sessions := c.reconcileSessions(ctx)
	if active := ActiveSession(sessions); active != nil {
		return nil, fmt.Errorf("start task: task %d: %w", active.TaskNumber, ErrTaskActive)
	}

	now := time.Now().UTC()
	n := max(c.store.NextTaskNumber(), LatestTaskNumber(sessions)+1)
	s := Session{
		ID:           SessionKey(c.cfg.SessionID, n),
		SessionID:    c.cfg.SessionID,
		TaskNumber:   n,
		ActivityType: activity,
		Question:     question,
		IsActive:     true,
		StartTime:    &now,
		LastUpdated:  now.UnixMilli(),
	}

	c.deactivateOthers(ctx, now)

	res, err := c.rec.Write(ctx, "start task", func(ctx context.Context, t Transport) error {
		if err := t.Delete(ctx, TableSessions,
			Eq("session_id", c.cfg.SessionID),
			Eq("task_number", n),
		); err != nil {
			c.log.LogError("start task cleanup "+t.Name(), err)
		}
		_, err := t.Upsert(ctx, TableSessions, s.Row())
		return err
	})
	if err != nil {
		c.status.Fail()
		return nil, err
	}
	c.log.Log("task %d started (remote=%v local=%v)", n, res.Remote, res.Local)

	c.store.setSessions(replaceSession(c.store.Sessions(), s, now))
	c.store.setEntries(c.store.AllEntries())
	c.publish(ctx, broadcast.TypeSessionUpdate, s)
	c.trigger(LoopSessions, LoopEntries)
	return &s, nil
}

// reconcileSessions refreshes the view from both adapters and returns the
// sessions to decide on. When neither adapter answers the current view is
// used.
func (c *SyncContext) reconcileSessions(ctx context.Context) []Session {
	sessions, o := c.rec.Sessions(ctx, c.cfg.SessionID)
	c.applySessions(sessions, o)
	if !o.RemoteOK() && !o.LocalOK() {
		return c.store.Sessions()
	}
	return sessions
}

// deactivateOthers clears is_active on every active task of the session.
// Failures are logged; the next start or stop repairs them.
func (c *SyncContext) deactivateOthers(ctx context.Context, now time.Time) {
	patch := Row{"is_active": false, "last_updated": now.UnixMilli()}
	_, err := c.rec.Write(ctx, "deactivate tasks", func(ctx context.Context, t Transport) error {
		_, err := t.Update(ctx, TableSessions, patch,
			Eq("session_id", c.cfg.SessionID),
			Eq("is_active", true),
		)
		return err
	})
	if err != nil {
		c.log.LogError("deactivate tasks", err)
	}
}

// replaceSession returns sessions with s swapped in and every other task
// inactive.
func replaceSession(sessions []Session, s Session, now time.Time) []Session {
	out := make([]Session, 0, len(sessions)+1)
	for _, old := range sessions {
		if old.ID == s.ID || old.TaskNumber == s.TaskNumber {
			continue
		}
		if old.IsActive && s.IsActive {
			old.IsActive = false
			old.LastUpdated = now.UnixMilli()
		}
		out = append(out, old)
	}
	return MergeSessions(out, []Session{s})
}

// StopTask ends the active task, recording its end time and duration. The
// next task number moves past it.
func (c *SyncContext) StopTask(ctx context.Context) (*Session, error) {
	if err := c.requireRole(RoleCoordinator, "stop task"); err != nil {
		return nil, err
	}
	active := ActiveSession(c.reconcileSessions(ctx))
	if active == nil {
		return nil, fmt.Errorf("stop task: %w", ErrNoActiveTask)
	}

	now := time.Now().UTC()
	duration := c.store.Elapsed()
	if duration == 0 && active.StartTime != nil {
		duration = int(now.Sub(*active.StartTime) / time.Second)
	}
	stopped := *active
	stopped.IsActive = false
	stopped.EndTime = &now
	stopped.DurationSeconds = duration
	stopped.LastUpdated = now.UnixMilli()

	res, err := c.rec.Write(ctx, "stop task", func(ctx context.Context, t Transport) error {
		_, err := t.Upsert(ctx, TableSessions, stopped.Row())
		return err
	})
	if err != nil {
		c.status.Fail()
		return nil, err
	}
	c.log.Log("task %d stopped after %ds (remote=%v local=%v)", stopped.TaskNumber, duration, res.Remote, res.Local)

	c.store.setSessions(replaceSession(c.store.Sessions(), stopped, now))
	c.store.bumpNextTask(stopped.TaskNumber + 1)
	c.publish(ctx, broadcast.TypeSessionUpdate, stopped)
	c.trigger(LoopSessions, LoopEntries)
	return &stopped, nil
}

// FinishSession stops the active task, if any, and marks the session
// finished for this coordinator.
func (c *SyncContext) FinishSession(ctx context.Context) error {
	if err := c.requireRole(RoleCoordinator, "finish session"); err != nil {
		return err
	}
	if ActiveSession(c.reconcileSessions(ctx)) != nil {
		if _, err := c.StopTask(ctx); err != nil {
			return fmt.Errorf("finish session: %w", err)
		}
	}
	c.store.setFinished(true)
	c.log.Log("session %s finished", c.cfg.SessionID)
	return nil
}

// ClearSession deletes every task and entry of the session from both
// adapters and resets the view.
func (c *SyncContext) ClearSession(ctx context.Context) error {
	if err := c.requireRole(RoleCoordinator, "clear session"); err != nil {
		return err
	}
	_, serr := c.rec.Write(ctx, "clear sessions", func(ctx context.Context, t Transport) error {
		return t.Delete(ctx, TableSessions, Eq("session_id", c.cfg.SessionID))
	})
	_, eerr := c.rec.Write(ctx, "clear entries", func(ctx context.Context, t Transport) error {
		return t.Delete(ctx, TableEntries, Eq("sessionId", c.cfg.SessionID))
	})

	c.store.reset()
	c.publish(ctx, broadcast.TypeSessionUpdate, []Session{})
	c.publish(ctx, broadcast.TypeNewEntry, []Entry{})

	if serr != nil {
		c.status.Fail()
		return serr
	}
	if eerr != nil {
		c.status.Fail()
		return eerr
	}
	return nil
}
