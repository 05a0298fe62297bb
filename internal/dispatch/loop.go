package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"govline/internal/domain"
	"govline/internal/engine/gate"
	"govline/internal/repo"
)

// Topics the loop publishes on. The container runtime consumes these to
// start workers; this loop only guarantees the dispatch row exists exactly
// once, not that a worker came up.
const (
	TopicReady    = "dispatch.ready"
	TopicApproval = "dispatch.approval"
)

// Event is the payload published when a dispatch row is created.
type Event struct {
	DispatchKey string `json:"dispatch_key"`
	TaskID      string `json:"task_id"`
	Worker      string `json:"worker"`
	TargetState string `json:"target_state"`
	CreatedAt   string `json:"created_at"`
}

// Loop scans for dispatchable tasks on a fixed schedule. All idempotence
// lives in the unique dispatch key: the loop keeps no state between ticks
// and can be killed and restarted at any point without double-dispatching.
type Loop struct {
	Repo      repo.Repo
	Gates     gate.Authority
	Schedule  string
	Publisher message.Publisher
	Logger    watermill.LoggerAdapter
	Now       func() time.Time
}

func New(r repo.Repo, gates gate.Authority, schedule string, pub message.Publisher, logger watermill.LoggerAdapter) *Loop {
	return &Loop{
		Repo:      r,
		Gates:     gates,
		Schedule:  schedule,
		Publisher: pub,
		Logger:    logger,
		Now:       time.Now,
	}
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) logger() watermill.LoggerAdapter {
	if l.Logger != nil {
		return l.Logger
	}
	return watermill.NewStdLogger(false, false)
}

// Tick runs one dispatch pass and returns how many new dispatch rows it
// created. READY tasks with an assigned group are handed to that group;
// REVIEW tasks behind a gate are routed to the gate's approver role. An
// existing row for a key is benign: some earlier tick already did the work.
func (l *Loop) Tick(ctx context.Context) (int, error) {
	created := 0

	ready, err := l.Repo.ListDispatchCandidates(ctx, domain.StateReady)
	if err != nil {
		return created, fmt.Errorf("list ready tasks: %w", err)
	}
	for _, t := range ready {
		n, err := l.dispatch(ctx, t, *t.AssignedGroup, domain.StateDoing, TopicReady)
		if err != nil {
			l.logger().Error("dispatch failed", err, watermill.LogFields{"task_id": t.ID})
			continue
		}
		created += n
	}

	gated, err := l.Repo.ListGatedTasks(ctx, domain.StateReview)
	if err != nil {
		return created, fmt.Errorf("list gated tasks: %w", err)
	}
	for _, t := range gated {
		role, ok := l.Gates.ApproverRole(t.Gate)
		if !ok {
			l.logger().Error("no approver role for gate", nil, watermill.LogFields{"task_id": t.ID, "gate": t.Gate})
			continue
		}
		n, err := l.dispatch(ctx, t, role, domain.StateApproval, TopicApproval)
		if err != nil {
			l.logger().Error("dispatch failed", err, watermill.LogFields{"task_id": t.ID})
			continue
		}
		created += n
	}
	return created, nil
}

func (l *Loop) dispatch(ctx context.Context, t domain.Task, worker, targetState, topic string) (int, error) {
	d := domain.Dispatch{
		ID:          uuid.New().String(),
		DispatchKey: domain.DispatchKey(t.ID, targetState),
		TaskID:      t.ID,
		Worker:      worker,
		Status:      domain.DispatchPending,
		CreatedAt:   l.now().UTC().Format(time.RFC3339),
	}
	ok, err := l.Repo.CreateDispatch(ctx, d)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	l.publish(topic, d, targetState)
	return 1, nil
}

// publish announces a fresh dispatch row. Best effort: the row is the
// source of truth, a lost event only delays pickup until a consumer polls.
func (l *Loop) publish(topic string, d domain.Dispatch, targetState string) {
	if l.Publisher == nil {
		return
	}
	payload, err := json.Marshal(Event{
		DispatchKey: d.DispatchKey,
		TaskID:      d.TaskID,
		Worker:      d.Worker,
		TargetState: targetState,
		CreatedAt:   d.CreatedAt,
	})
	if err != nil {
		l.logger().Error("marshal dispatch event", err, nil)
		return
	}
	msg := message.NewMessage(d.ID, payload)
	msg.Metadata.Set("task_id", d.TaskID)
	msg.Metadata.Set("worker", d.Worker)
	msg.Metadata.Set("target_state", targetState)
	if err := l.Publisher.Publish(topic, msg); err != nil {
		l.logger().Error("publish dispatch event", err, watermill.LogFields{"dispatch_key": d.DispatchKey})
	}
}

// Run ticks on the configured cron schedule until the context is canceled,
// then waits for a tick in flight to finish.
func (l *Loop) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(l.Schedule, func() {
		if _, err := l.Tick(ctx); err != nil {
			l.logger().Error("dispatch tick", err, nil)
		}
	})
	if err != nil {
		return fmt.Errorf("dispatch schedule %q: %w", l.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
