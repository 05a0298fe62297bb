package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/dispatch"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Loop   *dispatch.Loop
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	loop := dispatch.New(eng.Repo, eng.Gates, cfg.Dispatch.Schedule, nil, watermill.NopLogger{})
	loop.Now = eng.Now
	return testEnv{Engine: eng, Loop: loop, Ctx: context.Background()}
}

func (env testEnv) taskInState(t *testing.T, state, gateType string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "work", Type: "FEATURE", Gate: gateType, AssignedGroup: "dev-team", Actor: "dev-team",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, to := range []string{domain.StateTriaged, domain.StateReady, domain.StateDoing, domain.StateReview} {
		if task.State == state {
			break
		}
		task, err = env.Engine.TransitionTask(env.Ctx, engine.TransitionOptions{
			TaskID: task.ID, To: to, Actor: "dev-team", Reason: "finished the slice, checks green",
		})
		if err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	if task.State != state {
		t.Fatalf("wanted %s, got %s", state, task.State)
	}
	return task
}

func TestTickDispatchesReadyTasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.taskInState(t, domain.StateReady, domain.GateNone)

	created, err := env.Loop.Tick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 1 {
		t.Fatalf("created %d, want 1", created)
	}
	d, err := env.Engine.Repo.GetDispatchByKey(env.Ctx, domain.DispatchKey(task.ID, domain.StateDoing))
	if err != nil {
		t.Fatalf("dispatch row: %v", err)
	}
	if d.Worker != "dev-team" || d.Status != domain.DispatchPending {
		t.Fatalf("dispatch %+v", d)
	}
}

func TestTickIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.taskInState(t, domain.StateReady, domain.GateNone)

	if _, err := env.Loop.Tick(env.Ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	for i := 0; i < 3; i++ {
		created, err := env.Loop.Tick(env.Ctx)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if created != 0 {
			t.Fatalf("tick %d created %d new dispatches", i, created)
		}
	}
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM gov_dispatches WHERE task_id=?`, task.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("%d dispatch rows, want exactly 1", n)
	}
}

func TestTickSurvivesRestartMidPass(t *testing.T) {
	env := newTestEnv(t)
	task := env.taskInState(t, domain.StateReady, domain.GateNone)

	// a prior loop instance crashed after inserting the row; the restarted
	// loop must treat the existing key as done work
	prior := domain.Dispatch{
		ID:          "d-prior",
		DispatchKey: domain.DispatchKey(task.ID, domain.StateDoing),
		TaskID:      task.ID,
		Worker:      "dev-team",
		Status:      domain.DispatchPending,
		CreatedAt:   "2025-06-01T11:59:00Z",
	}
	if ok, err := env.Engine.Repo.CreateDispatch(env.Ctx, prior); err != nil || !ok {
		t.Fatalf("seed dispatch: ok=%v err=%v", ok, err)
	}
	dup := prior
	dup.ID = "d-dup"
	if ok, err := env.Engine.Repo.CreateDispatch(env.Ctx, dup); err != nil || ok {
		t.Fatalf("duplicate key accepted: ok=%v err=%v", ok, err)
	}
	created, err := env.Loop.Tick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 0 {
		t.Fatalf("restarted loop re-dispatched: %d", created)
	}
	d, err := env.Engine.Repo.GetDispatchByKey(env.Ctx, prior.DispatchKey)
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != "d-prior" {
		t.Fatalf("original row replaced: %+v", d)
	}
}

func TestTickRoutesGatedReviewToApprover(t *testing.T) {
	env := newTestEnv(t)
	task := env.taskInState(t, domain.StateReview, domain.GateSecurity)

	created, err := env.Loop.Tick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 1 {
		t.Fatalf("created %d, want 1", created)
	}
	d, err := env.Engine.Repo.GetDispatchByKey(env.Ctx, domain.DispatchKey(task.ID, domain.StateApproval))
	if err != nil {
		t.Fatalf("dispatch row: %v", err)
	}
	if d.Worker != "security" {
		t.Fatalf("worker %s, want the gate's approver role", d.Worker)
	}
}

func TestTickSkipsUngatedReview(t *testing.T) {
	env := newTestEnv(t)
	env.taskInState(t, domain.StateReview, domain.GateNone)

	created, err := env.Loop.Tick(env.Ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created != 0 {
		t.Fatalf("ungated REVIEW task was dispatched")
	}
}

func TestTickPublishesEvents(t *testing.T) {
	env := newTestEnv(t)
	task := env.taskInState(t, domain.StateReady, domain.GateNone)

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()
	msgs, err := pubsub.Subscribe(env.Ctx, dispatch.TopicReady)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	env.Loop.Publisher = pubsub

	if _, err := env.Loop.Tick(env.Ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	select {
	case msg := <-msgs:
		var evt dispatch.Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			t.Fatalf("payload: %v", err)
		}
		msg.Ack()
		if evt.TaskID != task.ID || evt.Worker != "dev-team" || evt.TargetState != domain.StateDoing {
			t.Fatalf("event %+v", evt)
		}
		if msg.Metadata.Get("worker") != "dev-team" {
			t.Fatalf("metadata %v", msg.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch event published")
	}
}
