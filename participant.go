package pulse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/pulse/internal/broadcast"
)

// ParticipantName returns the name the participant joined under, or "".
func (c *SyncContext) ParticipantName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SavedName returns the name persisted by an earlier Join on this device.
func (c *SyncContext) SavedName(ctx context.Context) (string, error) {
	if c.kv == nil {
		return "", nil
	}
	name, _, err := c.kv.Get(ctx, NameKey(c.cfg.SessionID))
	if err != nil {
		return "", fmt.Errorf("saved name: %w", err)
	}
	return name, nil
}

func (c *SyncContext) loadParticipantState(ctx context.Context) {
	if c.kv == nil {
		return
	}
	if err := c.marking.Load(ctx, c.kv, c.cfg.SessionID); err != nil {
		c.log.LogError("load marking", err)
	}
	if c.ParticipantName() != "" {
		return
	}
	name, err := c.SavedName(ctx)
	if err != nil {
		c.log.LogError("load name", err)
		return
	}
	if name != "" {
		c.mu.Lock()
		c.name = name
		c.mu.Unlock()
	}
}

// Join registers the participant under name: the name is saved on this
// device, other roles are told a participant connected, and a first
// heartbeat is sent.
func (c *SyncContext) Join(ctx context.Context, name string) error {
	if err := c.requireRole(RoleParticipant, "join"); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("join: name: %w", ErrEmptyContent)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("join: name longer than %d bytes: %w", MaxNameLength, ErrInvalidContent)
	}

	c.mu.Lock()
	c.name = name
	c.mu.Unlock()

	if c.kv != nil {
		if err := c.kv.Set(ctx, NameKey(c.cfg.SessionID), name); err != nil {
			c.log.LogError("save name", err)
		}
		if err := c.marking.Load(ctx, c.kv, c.cfg.SessionID); err != nil {
			c.log.LogError("load marking", err)
		}
	}
	c.log.Log("joined session %s as %s", c.cfg.SessionID, name)

	c.publish(ctx, broadcast.TypeStudentConnected, Presence{
		Name:         name,
		LastActivity: time.Now().UTC(),
		DeviceID:     c.cfg.DeviceID,
	})
	if err := c.RefreshSessions(ctx); err != nil {
		c.log.LogError("join refresh", err)
	}
	if err := c.Heartbeat(ctx); err != nil {
		c.log.LogError("join heartbeat", err)
	}
	return nil
}

// Heartbeat records a presence signal for the joined participant. It is
// stamped with the active task number, or 0 outside a task.
func (c *SyncContext) Heartbeat(ctx context.Context) error {
	if err := c.requireRole(RoleParticipant, "heartbeat"); err != nil {
		return err
	}
	name := c.ParticipantName()
	if name == "" {
		return ErrNotJoined
	}
	now := time.Now().UTC()
	task := 0
	if active := c.store.Active(); active != nil {
		task = active.TaskNumber
	}
	e := Entry{
		ID:              HeartbeatID(c.cfg.SessionID, name, now),
		SessionID:       c.cfg.SessionID,
		TaskNumber:      task,
		ParticipantName: name,
		Content:         string(KindHeartbeat),
		Timestamp:       now,
		DeviceID:        c.cfg.DeviceID,
		Kind:            KindHeartbeat,
	}
	_, err := c.rec.Write(ctx, "heartbeat", func(ctx context.Context, t Transport) error {
		_, err := t.Insert(ctx, TableEntries, e.Row())
		return err
	})
	return err
}

// ValidateSubmission checks content against an activity: it must be
// non-blank, within the length limit, and a single word for word clouds.
func ValidateSubmission(activity ActivityType, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if len(content) > MaxContentLength {
		return "", fmt.Errorf("longer than %d bytes: %w", MaxContentLength, ErrInvalidContent)
	}
	if activity == ActivityWordCloud && len(strings.Fields(content)) != 1 {
		return "", fmt.Errorf("word cloud answers are a single word: %w", ErrInvalidContent)
	}
	return content, nil
}

// Submit records an answer to the active task. The remote is tried first
// and the local store always; the status reflects which accepted it.
func (c *SyncContext) Submit(ctx context.Context, content string) (*Entry, error) {
	if err := c.requireRole(RoleParticipant, "submit"); err != nil {
		return nil, err
	}
	name := c.ParticipantName()
	if name == "" {
		return nil, fmt.Errorf("submit: %w", ErrNotJoined)
	}
	active := c.store.Active()
	if active == nil {
		if err := c.RefreshSessions(ctx); err != nil {
			c.log.LogError("submit refresh", err)
		}
		active = c.store.Active()
	}
	if active == nil {
		return nil, fmt.Errorf("submit: %w", ErrNoActiveTask)
	}
	content, err := ValidateSubmission(active.ActivityType, content)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	now := time.Now().UTC()
	e := Entry{
		ID:              EntryID(c.cfg.SessionID, name, now),
		SessionID:       c.cfg.SessionID,
		TaskNumber:      active.TaskNumber,
		ParticipantName: name,
		Content:         content,
		Timestamp:       now,
		DeviceID:        c.cfg.DeviceID,
		Kind:            KindSubmission,
	}

	c.status.BeginSubmit()
	res, err := c.rec.Write(ctx, "submit", func(ctx context.Context, t Transport) error {
		_, err := t.Insert(ctx, TableEntries, e.Row())
		return err
	})
	if err != nil {
		c.status.Fail()
		return nil, err
	}
	c.status.Submitted(res.Remote)

	c.store.setEntries(MergeEntries([]Entry{e}, c.store.AllEntries()))
	c.publish(ctx, broadcast.TypeNewEntry, e)
	c.trigger(LoopEntries)
	return &e, nil
}

// MyEntries returns the participant's own submissions across every task,
// newest first.
func (c *SyncContext) MyEntries() []Entry {
	name := c.ParticipantName()
	if name == "" {
		return nil
	}
	var out []Entry
	for _, e := range c.store.AllEntries() {
		if e.ParticipantName == name && !e.IsHeartbeat() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Mark records the participant's own verdict on one of their entries and
// persists it on this device.
func (c *SyncContext) Mark(ctx context.Context, task int, entryID string, correct bool) error {
	if err := c.requireRole(RoleParticipant, "mark"); err != nil {
		return err
	}
	c.marking.Mark(task, entryID, correct)
	if c.kv == nil {
		return nil
	}
	return c.marking.Save(ctx, c.kv, c.cfg.SessionID)
}

// CorrectCount returns how many entries the participant marked correct.
func (c *SyncContext) CorrectCount() int {
	return c.marking.CorrectCount()
}

// Marking returns the participant's marks.
func (c *SyncContext) Marking() *Marking {
	return c.marking
}
