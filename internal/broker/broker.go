package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"govline/internal/config"
	"govline/internal/domain"
	"govline/internal/reason"
	"govline/internal/repo"
)

// Broker mediates every external call a group attempts. Nothing reaches a
// provider without a capability check, and every attempt leaves an ext_calls
// row whether it was denied, executed, or failed.
type Broker struct {
	Repo   repo.Repo
	Config *config.Config
	Caller Caller
	// Secret keys the HMAC recorded for each call. Raw parameters never
	// reach the audit log, only their keyed hash.
	Secret []byte
	Now    func() time.Time
	Logger *log.Logger

	mu    sync.Mutex
	gates map[string]*pairGate
}

// pairGate serializes calls per (group, provider) and bounds how many may
// wait behind the one in flight.
type pairGate struct {
	slot    chan struct{}
	waiting int
}

func New(r repo.Repo, cfg *config.Config, secret []byte, caller Caller) *Broker {
	return &Broker{
		Repo:   r,
		Config: cfg,
		Caller: caller,
		Secret: secret,
		Now:    time.Now,
		gates:  make(map[string]*pairGate),
	}
}

func (b *Broker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Broker) logger() *log.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return log.Default()
}

// CallRequest describes one attempted provider invocation.
type CallRequest struct {
	Group    string
	Provider string
	Action   string
	Params   map[string]any
	// ProductID narrows capability resolution to grants scoped to that
	// product plus company-wide ones.
	ProductID string
	// TaskID ties the call to governed work; required for L3 actions,
	// whose two-approver evidence is read from the task's approvals.
	TaskID string
	// IdempotencyKey is caller-supplied. Without one the broker will not
	// retry, because a replayed non-idempotent call could double-execute.
	IdempotencyKey string
	// CheckOnly verifies authorization and records the outcome without
	// touching the provider.
	CheckOnly bool
}

// CallResult reports the audit row written for the attempt plus the
// provider response when one was executed.
type CallResult struct {
	Call     domain.ExtCall
	Response []byte
}

// RequestCall runs the full authorization pipeline: capability resolution,
// action level check, L3 approval evidence, HMAC, inflight gating with
// backpressure, then the bounded-retry execution. Order matters and is
// fixed; in particular authorization always completes before any provider
// traffic.
func (b *Broker) RequestCall(ctx context.Context, req CallRequest) (CallResult, error) {
	if req.Group == "" || req.Provider == "" || req.Action == "" {
		return CallResult{}, reason.New(reason.BadRequest, "group, provider and action are required")
	}

	mac, err := b.paramsHMAC(req)
	if err != nil {
		return CallResult{}, fmt.Errorf("hash params: %w", err)
	}

	effective, err := b.ResolveLevel(ctx, req.Group, req.Provider, req.ProductID)
	if err != nil {
		return CallResult{}, fmt.Errorf("resolve capability: %w", err)
	}
	required, known := b.Config.RequiredLevel(req.Provider, req.Action)
	if !known {
		denied := reason.Newf(reason.CapabilityDenied, "action %s is not allowlisted for provider %s", req.Action, req.Provider).
			With("provider", req.Provider).With("action", req.Action)
		return b.deny(ctx, req, mac, denied)
	}
	if domain.LevelRank(effective) < domain.LevelRank(required) {
		denied := reason.Newf(reason.CapabilityDenied, "%s holds %s on %s, action %s requires %s", req.Group, effective, req.Provider, req.Action, required).
			With("effective_level", effective).With("required_level", required)
		return b.deny(ctx, req, mac, denied)
	}
	if required == domain.LevelDeploy {
		denial, err := b.checkTwoApprovers(ctx, req.TaskID)
		if err != nil {
			return CallResult{}, fmt.Errorf("check approvals: %w", err)
		}
		if denial != nil {
			return b.deny(ctx, req, mac, denial)
		}
	}

	if req.CheckOnly {
		call, err := b.audit(ctx, req, mac, domain.CallAllowed)
		if err != nil {
			return CallResult{}, err
		}
		return CallResult{Call: call}, nil
	}

	release, err := b.acquire(ctx, req.Group, req.Provider)
	if err != nil {
		var re *reason.Error
		if errors.As(err, &re) && re.Code == reason.Backpressure {
			return b.deny(ctx, req, mac, re)
		}
		return CallResult{}, err
	}
	defer release()

	resp, execErr := b.execute(ctx, req)
	if execErr != nil {
		call, auditErr := b.audit(ctx, req, mac, domain.CallFailed)
		if auditErr != nil {
			return CallResult{}, auditErr
		}
		b.logger().Printf("broker: %s %s/%s failed: %v", req.Group, req.Provider, req.Action, execErr)
		return CallResult{Call: call}, reason.Wrap(reason.ProviderUnavailable, execErr,
			fmt.Sprintf("provider %s did not complete %s", req.Provider, req.Action)).
			With("provider", req.Provider).With("action", req.Action)
	}
	call, err := b.audit(ctx, req, mac, domain.CallExecuted)
	if err != nil {
		return CallResult{}, err
	}
	return CallResult{Call: call, Response: resp}, nil
}

// ResolveLevel computes the effective capability for (group, provider),
// optionally narrowed by product. Deny wins: the lowest level among all
// applicable live grants is the answer, and no grant at all means L0. A row
// past its expires_at is treated as absent here, at use time; the sweep job
// is storage hygiene, never the enforcement point.
func (b *Broker) ResolveLevel(ctx context.Context, group, provider, productID string) (string, error) {
	rows, err := b.Repo.ListCapabilities(ctx, group, provider)
	if err != nil {
		return "", err
	}
	now := b.now().UTC()
	effective := ""
	for _, c := range rows {
		if c.ProductID != nil && *c.ProductID != productID {
			continue
		}
		if c.ExpiresAt != nil {
			exp, err := time.Parse(time.RFC3339, *c.ExpiresAt)
			if err != nil || !now.Before(exp) {
				continue
			}
		}
		if effective == "" || domain.LevelRank(c.Level) < domain.LevelRank(effective) {
			effective = c.Level
		}
	}
	if effective == "" {
		return domain.LevelNone, nil
	}
	return effective, nil
}

// checkTwoApprovers demands evidence of two distinct approving actors on
// the originating task before a deploy/merge level call may run. The first
// return value is the denial, the second a storage failure.
func (b *Broker) checkTwoApprovers(ctx context.Context, taskID string) (*reason.Error, error) {
	if taskID == "" {
		return reason.New(reason.ApprovalsMissing, "L3 calls must reference the task carrying their approvals"), nil
	}
	n, err := b.Repo.CountDistinctApprovers(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if n < 2 {
		return reason.Newf(reason.ApprovalsMissing, "L3 requires two distinct approvers on task %s, found %d", taskID, n).
			With("task_id", taskID).With("approvers", n), nil
	}
	return nil, nil
}

// paramsHMAC computes the keyed hash stored in the audit row. The group,
// provider, action and product scope are bound into the hash so the same
// parameter bag logged in a different context yields a different value.
func (b *Broker) paramsHMAC(req CallRequest) (string, error) {
	canonical, err := json.Marshal(req.Params)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, b.Secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s\n", req.Group, req.Provider, req.Action, req.ProductID)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// acquire takes the single in-flight slot for (group, provider). When the
// slot is busy the caller queues, but only up to the configured depth;
// beyond it the call is rejected immediately rather than buffered without
// bound.
func (b *Broker) acquire(ctx context.Context, group, provider string) (func(), error) {
	key := group + "|" + provider
	b.mu.Lock()
	g, ok := b.gates[key]
	if !ok {
		g = &pairGate{slot: make(chan struct{}, 1)}
		b.gates[key] = g
	}
	select {
	case g.slot <- struct{}{}:
		b.mu.Unlock()
		return func() { <-g.slot }, nil
	default:
	}
	if g.waiting >= b.Config.Broker.QueueDepth {
		b.mu.Unlock()
		return nil, reason.Newf(reason.Backpressure, "too many pending calls for %s on %s", group, provider).
			With("group", group).With("provider", provider).With("queue_depth", b.Config.Broker.QueueDepth)
	}
	g.waiting++
	b.mu.Unlock()

	select {
	case g.slot <- struct{}{}:
		b.mu.Lock()
		g.waiting--
		b.mu.Unlock()
		return func() { <-g.slot }, nil
	case <-ctx.Done():
		b.mu.Lock()
		g.waiting--
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

const maxBackoff = 5 * time.Second

// execute runs the provider call under the configured timeout. Retries
// happen only when the caller supplied an idempotency key; a replay without
// one could double-execute downstream, which is worse than failing.
func (b *Broker) execute(ctx context.Context, req CallRequest) ([]byte, error) {
	if b.Caller == nil {
		return nil, fmt.Errorf("no caller configured")
	}
	attempts := 1
	if req.IdempotencyKey != "" {
		attempts += b.Config.Broker.RetryBudget
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, b.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, b.Config.CallTimeout())
		resp, err := b.Caller.Call(callCtx, CallInput{
			Provider:       req.Provider,
			Action:         req.Action,
			Params:         req.Params,
			IdempotencyKey: req.IdempotencyKey,
		})
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (b *Broker) backoff(attempt int) time.Duration {
	d := b.Config.RetryBackoff() << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deny writes the denial audit row and returns the denial. If the row
// cannot be written the storage error wins: a governance decision that
// leaves no trace is treated as a failure of the whole operation.
func (b *Broker) deny(ctx context.Context, req CallRequest, mac string, denial *reason.Error) (CallResult, error) {
	call, err := b.audit(ctx, req, mac, domain.CallDenied)
	if err != nil {
		return CallResult{}, err
	}
	b.logger().Printf("broker: denied %s %s/%s: %s", req.Group, req.Provider, req.Action, denial.Code)
	return CallResult{Call: call}, denial
}

func (b *Broker) audit(ctx context.Context, req CallRequest, mac, status string) (domain.ExtCall, error) {
	call := domain.ExtCall{
		ID:         uuid.New().String(),
		Group:      req.Group,
		Provider:   req.Provider,
		Action:     req.Action,
		ParamsHMAC: mac,
		Status:     status,
		ProductID:  optionalString(req.ProductID),
		TaskID:     optionalString(req.TaskID),
		CreatedAt:  b.now().UTC().Format(time.RFC3339),
	}
	if err := b.Repo.InsertExtCall(ctx, call); err != nil {
		return domain.ExtCall{}, reason.Wrap(reason.StorageFailure, err, "audit write failed; refusing to proceed")
	}
	return call, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
