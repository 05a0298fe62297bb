package broker_test

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"govline/internal/broker"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/migrate"
	"govline/internal/reason"
	"govline/internal/repo"
)

// recorder is a Caller that remembers every invocation and can be told to
// fail the first N attempts.
type recorder struct {
	mu       sync.Mutex
	calls    []broker.CallInput
	failures int
}

func (r *recorder) Call(_ context.Context, in broker.CallInput) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
	if len(r.calls) <= r.failures {
		return nil, errors.New("adapter offline")
	}
	return []byte(`{"ok":true}`), nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type testEnv struct {
	Engine engine.Engine
	Broker *broker.Broker
	Rec    *recorder
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Broker.RetryBackoffMillis = 1
	eng := engine.New(conn, cfg)
	fixed := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	eng.Now = fixed
	rec := &recorder{}
	b := broker.New(eng.Repo, cfg, []byte("test-secret"), rec)
	b.Now = fixed
	b.Logger = log.New(io.Discard, "", 0)
	return testEnv{Engine: eng, Broker: b, Rec: rec, Ctx: context.Background()}
}

func (env testEnv) grant(t *testing.T, group, provider, level, productID, expiresAt string) {
	t.Helper()
	_, err := env.Engine.GrantCapability(env.Ctx, engine.CapabilityGrantOptions{
		Group:     group,
		Provider:  provider,
		Level:     level,
		ProductID: productID,
		ExpiresAt: expiresAt,
		Actor:     "main",
	})
	if err != nil {
		t.Fatalf("grant %s %s %s: %v", group, provider, level, err)
	}
}

func (env testEnv) callRows(t *testing.T, status string) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM ext_calls WHERE status=?`, status).Scan(&n); err != nil {
		t.Fatalf("count ext_calls: %v", err)
	}
	return n
}

func TestCallWithoutGrantDenied(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{Group: "dev-team", Provider: "github", Action: "read"})
	if reason.CodeOf(err) != reason.CapabilityDenied {
		t.Fatalf("expected capability denial, got %v", err)
	}
	if res.Call.Status != domain.CallDenied {
		t.Fatalf("status %s", res.Call.Status)
	}
	if env.Rec.count() != 0 {
		t.Fatalf("provider reached despite denial")
	}
	if n := env.callRows(t, domain.CallDenied); n != 1 {
		t.Fatalf("denied rows %d", n)
	}
}

func TestDenyWinsAcrossScopes(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{ID: "billing", Name: "Billing", Actor: "main"}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	env.grant(t, "dev-team", "github", domain.LevelWrite, "", "")
	env.grant(t, "dev-team", "github", domain.LevelNone, "billing", "")

	// The product-scoped L0 drags the effective level down for billing work.
	res, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "github", Action: "read", ProductID: "billing",
	})
	if reason.CodeOf(err) != reason.CapabilityDenied {
		t.Fatalf("expected denial for billing scope, got %v", err)
	}
	if res.Call.ProductID == nil || *res.Call.ProductID != "billing" {
		t.Fatalf("denied row lost its product scope: %+v", res.Call)
	}

	// Outside that product only the company-wide L2 applies.
	res, err = env.Broker.RequestCall(env.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "github", Action: "read",
	})
	if err != nil {
		t.Fatalf("company-scope call: %v", err)
	}
	if res.Call.Status != domain.CallExecuted {
		t.Fatalf("status %s", res.Call.Status)
	}
	if env.Rec.count() != 1 {
		t.Fatalf("provider calls %d", env.Rec.count())
	}
}

func TestExpiredGrantIgnoredAtUse(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "github", domain.LevelWrite, "", "2025-06-01T11:00:00Z")

	_, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{Group: "dev-team", Provider: "github", Action: "read"})
	if reason.CodeOf(err) != reason.CapabilityDenied {
		t.Fatalf("expired grant should not authorize, got %v", err)
	}

	env.grant(t, "dev-team", "github", domain.LevelRead, "", "2025-06-02T00:00:00Z")
	res, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{Group: "dev-team", Provider: "github", Action: "read"})
	if err != nil {
		t.Fatalf("live grant: %v", err)
	}
	if res.Call.Status != domain.CallExecuted {
		t.Fatalf("status %s", res.Call.Status)
	}
}

func TestSweepDeletesOnlyLongExpiredGrants(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "github", domain.LevelWrite, "", "2025-05-01T00:00:00Z")
	env.grant(t, "dev-team", "github", domain.LevelRead, "", "2025-06-01T11:59:00Z")
	env.grant(t, "dev-team", "github", domain.LevelRead, "", "")

	before, err := env.Broker.ResolveLevel(env.Ctx, "dev-team", "github", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	n, err := env.Engine.Repo.DeleteExpiredCapabilities(env.Ctx, "2025-06-01T00:00:00Z")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}

	after, err := env.Broker.ResolveLevel(env.Ctx, "dev-team", "github", "")
	if err != nil {
		t.Fatalf("resolve after sweep: %v", err)
	}
	if after != before {
		t.Fatalf("sweep changed the effective level: %s -> %s", before, after)
	}
	left, err := env.Engine.Repo.ListAllCapabilities(env.Ctx, repo.CapabilityFilters{Group: "dev-team"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("rows left %d, want 2", len(left))
	}
}

func TestActionOutsideAllowlistDenied(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "github", domain.LevelDeploy, "", "")
	res, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{Group: "dev-team", Provider: "github", Action: "delete_repo"})
	if reason.CodeOf(err) != reason.CapabilityDenied {
		t.Fatalf("expected denial, got %v", err)
	}
	if res.Call.Status != domain.CallDenied {
		t.Fatalf("status %s", res.Call.Status)
	}
	if env.Rec.count() != 0 {
		t.Fatalf("provider reached for unlisted action")
	}
}

func TestDeployRequiresTwoApprovers(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "railway", domain.LevelDeploy, "", "")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Ship payments cutover", Type: "OPS", AssignedGroup: "dev-team", Gate: domain.GateSecurity, Actor: "dev-team",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	req := broker.CallRequest{Group: "dev-team", Provider: "railway", Action: "deploy", TaskID: task.ID}

	if _, err := env.Broker.RequestCall(env.Ctx, req); reason.CodeOf(err) != reason.ApprovalsMissing {
		t.Fatalf("no approvals yet, got %v", err)
	}
	noTask := req
	noTask.TaskID = ""
	if _, err := env.Broker.RequestCall(env.Ctx, noTask); reason.CodeOf(err) != reason.ApprovalsMissing {
		t.Fatalf("deploy without task reference, got %v", err)
	}

	if _, err := env.Engine.ApproveGate(env.Ctx, engine.ApproveOptions{TaskID: task.ID, GateType: domain.GateSecurity, Actor: "security"}); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if _, err := env.Broker.RequestCall(env.Ctx, req); reason.CodeOf(err) != reason.ApprovalsMissing {
		t.Fatalf("one approver is not enough, got %v", err)
	}

	if _, err := env.Engine.ApproveGate(env.Ctx, engine.ApproveOptions{TaskID: task.ID, GateType: domain.GateProduct, Actor: "product"}); err != nil {
		t.Fatalf("second approval: %v", err)
	}
	res, err := env.Broker.RequestCall(env.Ctx, req)
	if err != nil {
		t.Fatalf("two approvers: %v", err)
	}
	if res.Call.Status != domain.CallExecuted {
		t.Fatalf("status %s", res.Call.Status)
	}
	if res.Call.TaskID == nil || *res.Call.TaskID != task.ID {
		t.Fatalf("executed row lost its task reference: %+v", res.Call)
	}
}

func TestDeployApproversMustBeDistinct(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "railway", domain.LevelDeploy, "", "")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title: "Rotate signing keys", Type: "SECURITY", AssignedGroup: "dev-team", Gate: domain.GateSecurity, Actor: "dev-team",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// The privileged actor standing in for both gates is still one person.
	for _, gate := range []string{domain.GateSecurity, domain.GateProduct} {
		if _, err := env.Engine.ApproveGate(env.Ctx, engine.ApproveOptions{TaskID: task.ID, GateType: gate, Actor: "main"}); err != nil {
			t.Fatalf("approve %s: %v", gate, err)
		}
	}
	_, err = env.Broker.RequestCall(env.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "railway", Action: "deploy", TaskID: task.ID,
	})
	if reason.CodeOf(err) != reason.ApprovalsMissing {
		t.Fatalf("same actor twice should not count, got %v", err)
	}

	if _, err := env.Engine.ApproveGate(env.Ctx, engine.ApproveOptions{TaskID: task.ID, GateType: domain.GateRevOps, Actor: "revops"}); err != nil {
		t.Fatalf("third approval: %v", err)
	}
	if _, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "railway", Action: "deploy", TaskID: task.ID,
	}); err != nil {
		t.Fatalf("two distinct approvers: %v", err)
	}
}

func TestCheckOnlyNeverReachesProvider(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "github", domain.LevelRead, "", "")
	res, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "github", Action: "read", CheckOnly: true,
	})
	if err != nil {
		t.Fatalf("check-only: %v", err)
	}
	if res.Call.Status != domain.CallAllowed {
		t.Fatalf("status %s", res.Call.Status)
	}
	if env.Rec.count() != 0 {
		t.Fatalf("check-only touched the provider")
	}
	if n := env.callRows(t, domain.CallAllowed); n != 1 {
		t.Fatalf("allowed rows %d", n)
	}
}

func TestParamsHashedNotStored(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "github", domain.LevelWrite, "", "")
	params := map[string]any{"body": "ship it", "token": "sk-live-very-secret"}

	first, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "github", Action: "comment", Params: params,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(first.Call.ParamsHMAC) != 64 {
		t.Fatalf("hmac %q", first.Call.ParamsHMAC)
	}
	if strings.Contains(first.Call.ParamsHMAC, "sk-live") {
		t.Fatalf("raw parameter leaked into audit row")
	}

	second, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "github", Action: "comment", Params: params,
	})
	if err != nil {
		t.Fatalf("repeat call: %v", err)
	}
	if second.Call.ParamsHMAC != first.Call.ParamsHMAC {
		t.Fatalf("identical calls should hash identically")
	}

	other, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "github", Action: "push", Params: params,
	})
	if err != nil {
		t.Fatalf("push call: %v", err)
	}
	if other.Call.ParamsHMAC == first.Call.ParamsHMAC {
		t.Fatalf("hash must bind the action, not just the params")
	}
}

func TestProviderFailureAudited(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "github", domain.LevelRead, "", "")
	env.Rec.failures = 100

	res, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{Group: "dev-team", Provider: "github", Action: "read"})
	if reason.CodeOf(err) != reason.ProviderUnavailable {
		t.Fatalf("expected downstream failure, got %v", err)
	}
	if !reason.IsRetryable(err) {
		t.Fatalf("provider outage should be retryable")
	}
	if res.Call.Status != domain.CallFailed {
		t.Fatalf("status %s", res.Call.Status)
	}
	// No idempotency key, so exactly one attempt.
	if env.Rec.count() != 1 {
		t.Fatalf("attempts %d", env.Rec.count())
	}
	if n := env.callRows(t, domain.CallFailed); n != 1 {
		t.Fatalf("failed rows %d", n)
	}
}

func TestRetriesOnlyWithIdempotencyKey(t *testing.T) {
	keyed := newTestEnv(t)
	keyed.grant(t, "dev-team", "github", domain.LevelRead, "", "")
	keyed.Rec.failures = 1
	res, err := keyed.Broker.RequestCall(keyed.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "github", Action: "read", IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("keyed call should recover: %v", err)
	}
	if res.Call.Status != domain.CallExecuted {
		t.Fatalf("status %s", res.Call.Status)
	}
	if keyed.Rec.count() != 2 {
		t.Fatalf("attempts %d", keyed.Rec.count())
	}
	for _, in := range keyed.Rec.calls {
		if in.IdempotencyKey != "key-1" {
			t.Fatalf("retry dropped the idempotency key: %+v", in)
		}
	}

	bare := newTestEnv(t)
	bare.grant(t, "dev-team", "github", domain.LevelRead, "", "")
	bare.Rec.failures = 1
	if _, err := bare.Broker.RequestCall(bare.Ctx, broker.CallRequest{
		Group: "dev-team", Provider: "github", Action: "read",
	}); reason.CodeOf(err) != reason.ProviderUnavailable {
		t.Fatalf("unkeyed call must not retry, got %v", err)
	}
	if bare.Rec.count() != 1 {
		t.Fatalf("attempts %d", bare.Rec.count())
	}
}

func TestBackpressureBoundsQueue(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "dev-team", "github", domain.LevelRead, "", "")
	env.Broker.Config.Broker.QueueDepth = 1

	entered := make(chan struct{}, 4)
	unblock := make(chan struct{})
	env.Broker.Caller = broker.CallerFunc(func(ctx context.Context, in broker.CallInput) ([]byte, error) {
		entered <- struct{}{}
		<-unblock
		return []byte(`{}`), nil
	})

	req := broker.CallRequest{Group: "dev-team", Provider: "github", Action: "read"}
	done := make(chan error, 2)
	go func() {
		_, err := env.Broker.RequestCall(env.Ctx, req)
		done <- err
	}()
	<-entered // first call holds the in-flight slot

	go func() {
		_, err := env.Broker.RequestCall(env.Ctx, req)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond) // second call joins the queue

	res, err := env.Broker.RequestCall(env.Ctx, req)
	if reason.CodeOf(err) != reason.Backpressure {
		t.Fatalf("expected backpressure, got %v", err)
	}
	if !reason.IsRetryable(err) {
		t.Fatalf("backpressure should invite a retry")
	}
	if res.Call.Status != domain.CallDenied {
		t.Fatalf("status %s", res.Call.Status)
	}

	close(unblock)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("queued call %d: %v", i, err)
		}
	}
	if n := env.callRows(t, domain.CallExecuted); n != 2 {
		t.Fatalf("executed rows %d", n)
	}
	if n := env.callRows(t, domain.CallDenied); n != 1 {
		t.Fatalf("denied rows %d", n)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Broker.RequestCall(env.Ctx, broker.CallRequest{Provider: "github", Action: "read"})
	if reason.CodeOf(err) != reason.BadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
	if n := env.callRows(t, domain.CallDenied); n != 0 {
		t.Fatalf("malformed request should not reach the audit log")
	}
}
