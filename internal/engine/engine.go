package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"govline/internal/activity"
	"govline/internal/config"
	"govline/internal/domain"
	"govline/internal/engine/gate"
	"govline/internal/engine/policy"
	"govline/internal/reason"
	"govline/internal/repo"
)

// Engine executes governance commands. Every mutation runs in a single
// transaction together with the activity rows describing it; nothing is
// written unless both succeed.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Gates    gate.Authority
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	eng := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
	if cfg != nil {
		eng.Gates = gate.Authority{Gates: cfg.Gates}
	}
	return eng
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) privileged(actor string) bool {
	return e.Config != nil && actor != "" && actor == e.Config.Kernel.PrivilegedActor
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID            string
	Title         string
	Description   string
	Type          string
	Priority      int
	ProductID     string
	Scope         string
	AssignedGroup string
	Gate          string
	DoDRequired   bool
	Metadata      map[string]any
	Actor         string
}

// CreateTask validates and inserts a task in INBOX at version 0. The scope
// invariant is enforced here: COMPANY tasks never reference a product, and a
// PRODUCT request without a product id is coerced to COMPANY with its own
// audit entry rather than rejected.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Actor == "" {
		return domain.Task{}, reason.New(reason.BadRequest, "actor is required")
	}
	if !e.Config.GroupAllowed(opts.Actor) {
		return domain.Task{}, reason.Newf(reason.GroupNotAllowed, "group %s may not create tasks", opts.Actor).
			With("caller", opts.Actor)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, reason.New(reason.BadRequest, "title is required")
	}
	if !domain.ValidTaskType(opts.Type) {
		return domain.Task{}, reason.Newf(reason.InvalidTaskType, "unknown task type %s", opts.Type).With("task_type", opts.Type)
	}
	if opts.Gate == "" {
		opts.Gate = domain.GateNone
	}
	if !domain.ValidGate(opts.Gate) {
		return domain.Task{}, reason.Newf(reason.InvalidGate, "unknown gate type %s", opts.Gate).With("gate", opts.Gate)
	}
	if opts.Scope == "" {
		if opts.ProductID != "" {
			opts.Scope = domain.ScopeProduct
		} else {
			opts.Scope = domain.ScopeCompany
		}
	}
	if !domain.ValidScope(opts.Scope) {
		return domain.Task{}, reason.Newf(reason.InvalidScope, "unknown scope %s", opts.Scope).With("scope", opts.Scope)
	}
	if opts.Scope == domain.ScopeCompany && opts.ProductID != "" {
		return domain.Task{}, reason.New(reason.ScopeProductClash, "COMPANY scope cannot reference a product").
			With("product_id", opts.ProductID)
	}
	coerced := false
	if opts.Scope == domain.ScopeProduct && opts.ProductID == "" {
		opts.Scope = domain.ScopeCompany
		coerced = true
	}
	if opts.ProductID != "" {
		p, err := e.Repo.GetProduct(ctx, opts.ProductID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, reason.Newf(reason.ProductNotFound, "product %s not found", opts.ProductID).
					With("product_id", opts.ProductID)
			}
			return domain.Task{}, err
		}
		if p.Status == domain.ProductKilled {
			return domain.Task{}, reason.Newf(reason.ProductKilled, "product %s is killed and accepts no new tasks", p.ID).
				With("product_id", p.ID)
		}
	}
	meta := map[string]any{}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	meta["policy_version"] = e.Config.Kernel.PolicyVersion
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:            id,
		Title:         opts.Title,
		Description:   opts.Description,
		Type:          opts.Type,
		State:         domain.StateInbox,
		Priority:      opts.Priority,
		ProductID:     optionalString(opts.ProductID),
		Scope:         opts.Scope,
		AssignedGroup: optionalString(opts.AssignedGroup),
		CreatedBy:     opts.Actor,
		Gate:          opts.Gate,
		DoDRequired:   opts.DoDRequired,
		MetadataJSON:  string(metaJSON),
		Version:       0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Task{}, reason.Newf(reason.TaskExists, "task %s already exists", t.ID).With("task_id", t.ID)
		}
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if coerced {
		if err := e.Activity.Append(ctx, tx, domain.Activity{
			TaskID: t.ID,
			Action: domain.ActionCoerceScope,
			Actor:  opts.Actor,
			Reason: "PRODUCT scope requested without product_id",
		}); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Activity.Append(ctx, tx, domain.Activity{
		TaskID:  t.ID,
		Action:  domain.ActionCreate,
		ToState: t.State,
		Actor:   opts.Actor,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TransitionOptions are parameters for moving a task through the graph.
// Reason doubles as the execution summary on DOING to REVIEW.
type TransitionOptions struct {
	TaskID          string
	To              string
	Reason          string
	Actor           string
	ExpectedVersion *int
}

// TransitionTask applies a state change under compare-and-swap. A request
/// whose target equals the current state is accepted as a no-op: nothing is
// written and the version stays put, so client retries after a timeout are
// harmless. Conflicts are reported, never resolved here; the caller re-reads
// and decides.
func (e Engine) TransitionTask(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, reason.Newf(reason.TaskNotFound, "task %s not found", opts.TaskID).With("task_id", opts.TaskID)
		}
		return domain.Task{}, err
	}
	if !domain.ValidState(opts.To) {
		return t, reason.Newf(reason.InvalidState, "unknown task state %s", opts.To).With("state", opts.To)
	}
	if !e.privileged(opts.Actor) {
		if t.AssignedGroup == nil || *t.AssignedGroup != opts.Actor {
			return t, reason.Newf(reason.NotAuthorized, "only the privileged actor or the assigned group may transition task %s", t.ID).
				With("caller", opts.Actor).With("task_id", t.ID)
		}
	}
	if opts.To == t.State {
		return t, nil
	}
	if err := policy.Validate(t.State, opts.To, policy.Request{Task: t, Summary: opts.Reason}, e.Config.Kernel.StrictTransitions); err != nil {
		return t, err
	}
	// The armed gate must have signed off before the task leaves APPROVAL.
	if opts.To == domain.StateDone && t.Gate != domain.GateNone {
		if _, err := e.Repo.GetApproval(ctx, t.ID, t.Gate); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return t, reason.Newf(reason.ApprovalsMissing, "gate %s has not signed off on task %s", t.Gate, t.ID).
					With("task_id", t.ID).With("gate", t.Gate)
			}
			return t, err
		}
	}
	expected := t.Version
	if opts.ExpectedVersion != nil {
		expected = *opts.ExpectedVersion
	}
	from := t.State
	t.State = opts.To
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	updated, err := e.Repo.UpdateTaskCAS(ctx, tx, t, expected)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return t, reason.Newf(reason.VersionConflict, "task %s changed since version %d; re-read and retry", t.ID, expected).
				With("task_id", t.ID).With("expected_version", expected)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return t, reason.Newf(reason.TaskNotFound, "task %s not found", t.ID).With("task_id", t.ID)
		}
		return t, fmt.Errorf("update task: %w", err)
	}
	if err := e.Activity.Append(ctx, tx, domain.Activity{
		TaskID:    t.ID,
		Action:    domain.ActionTransition,
		FromState: from,
		ToState:   opts.To,
		Actor:     opts.Actor,
		Reason:    opts.Reason,
	}); err != nil {
		return t, err
	}
	if from == domain.StateDoing && opts.To == domain.StateReview && strings.TrimSpace(opts.Reason) != "" {
		if err := e.Activity.Append(ctx, tx, domain.Activity{
			TaskID: t.ID,
			Action: domain.ActionExecutionSummary,
			Actor:  opts.Actor,
			Reason: opts.Reason,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return updated, nil
}

// ReportOptions are parameters for a worker execution report.
type ReportOptions struct {
	TaskID  string
	Summary string
	Actor   string
	Advance bool
}

// ReportExecution records a worker's summary of work done on a task. With
// Advance set, a DOING task also moves to REVIEW in the same call, the summary
// serving as the transition reason. Reporting on a task already in REVIEW
// records the summary without complaint, so a retried report never errors.
func (e Engine) ReportExecution(ctx context.Context, opts ReportOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Summary) == "" {
		return domain.Task{}, reason.New(reason.BadRequest, "summary is required")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, reason.Newf(reason.TaskNotFound, "task %s not found", opts.TaskID).With("task_id", opts.TaskID)
		}
		return domain.Task{}, err
	}
	if !e.privileged(opts.Actor) {
		if t.AssignedGroup == nil || *t.AssignedGroup != opts.Actor {
			return t, reason.Newf(reason.NotAuthorized, "only the privileged actor or the assigned group may report on task %s", t.ID).
				With("caller", opts.Actor).With("task_id", t.ID)
		}
	}
	if opts.Advance && t.State != domain.StateReview {
		return e.TransitionTask(ctx, TransitionOptions{
			TaskID: t.ID,
			To:     domain.StateReview,
			Reason: opts.Summary,
			Actor:  opts.Actor,
		})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Activity.Append(ctx, tx, domain.Activity{
		TaskID: t.ID,
		Action: domain.ActionExecutionSummary,
		Actor:  opts.Actor,
		Reason: opts.Summary,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ApproveOptions are parameters for recording a gate approval.
type ApproveOptions struct {
	TaskID   string
	GateType string
	Notes    string
	Actor    string
}

// ApproveGate records the single allowed approval for (task, gate). Both
// authority checks run strictly before the row is written; separation of
// duties cannot be overridden, while the privileged actor may stand in for
// any approver role and is recorded by name when doing so.
func (e Engine) ApproveGate(ctx context.Context, opts ApproveOptions) (domain.Approval, error) {
	if e.Config == nil {
		return domain.Approval{}, errors.New("config not loaded")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Approval{}, reason.Newf(reason.TaskNotFound, "task %s not found", opts.TaskID).With("task_id", opts.TaskID)
		}
		return domain.Approval{}, err
	}
	privileged := e.privileged(opts.Actor)
	if err := e.Gates.CheckApprover(opts.GateType, opts.Actor, privileged); err != nil {
		return domain.Approval{}, err
	}
	if err := e.Gates.CheckApproverNotExecutor(opts.Actor, t); err != nil {
		return domain.Approval{}, err
	}
	override := privileged && e.Gates.CheckApprover(opts.GateType, opts.Actor, false) != nil

	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Approval{
		TaskID:     t.ID,
		GateType:   opts.GateType,
		ApprovedBy: opts.Actor,
		ApprovedAt: now,
		Notes:      opts.Notes,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Approval{}, reason.Newf(reason.GateApproved, "gate %s already approved for task %s", opts.GateType, t.ID).
				With("task_id", t.ID).With("gate", opts.GateType)
		}
		return domain.Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	note := opts.Notes
	if override {
		note = strings.TrimSpace("privileged override. " + note)
	}
	if err := e.Activity.Append(ctx, tx, domain.Activity{
		TaskID: t.ID,
		Action: domain.ActionApprove,
		Actor:  opts.Actor,
		Reason: note,
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// AssignOptions are parameters for routing a task to a group.
type AssignOptions struct {
	TaskID   string
	Group    string
	Executor string
	Actor    string
}

// AssignTask sets the assigned group, and optionally the executor, under
// compare-and-swap. Only the privileged actor routes work.
func (e Engine) AssignTask(ctx context.Context, opts AssignOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if !e.privileged(opts.Actor) {
		return domain.Task{}, reason.New(reason.NotAuthorized, "only the privileged actor may assign tasks").
			With("caller", opts.Actor)
	}
	if opts.Group == "" {
		return domain.Task{}, reason.New(reason.BadRequest, "assigned_group is required")
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, reason.Newf(reason.TaskNotFound, "task %s not found", opts.TaskID).With("task_id", opts.TaskID)
		}
		return domain.Task{}, err
	}
	expected := t.Version
	t.AssignedGroup = &opts.Group
	if opts.Executor != "" {
		t.Executor = &opts.Executor
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	updated, err := e.Repo.UpdateTaskCAS(ctx, tx, t, expected)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return t, reason.Newf(reason.VersionConflict, "task %s changed since version %d; re-read and retry", t.ID, expected).
				With("task_id", t.ID).With("expected_version", expected)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return t, reason.Newf(reason.TaskNotFound, "task %s not found", t.ID).With("task_id", t.ID)
		}
		return t, fmt.Errorf("update task: %w", err)
	}
	reasonText := "assigned to " + opts.Group
	if opts.Executor != "" {
		reasonText += ", executor " + opts.Executor
	}
	if err := e.Activity.Append(ctx, tx, domain.Activity{
		TaskID: t.ID,
		Action: domain.ActionAssign,
		Actor:  opts.Actor,
		Reason: reasonText,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return updated, nil
}

// ProductCreateOptions are parameters for registering a product.
type ProductCreateOptions struct {
	ID        string
	Name      string
	RiskLevel string
	Actor     string
}

func (e Engine) CreateProduct(ctx context.Context, opts ProductCreateOptions) (domain.Product, error) {
	if e.Config == nil {
		return domain.Product{}, errors.New("config not loaded")
	}
	if !e.privileged(opts.Actor) {
		return domain.Product{}, reason.New(reason.NotAuthorized, "only the privileged actor may register products").
			With("caller", opts.Actor)
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Product{}, reason.New(reason.BadRequest, "name is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Product{
		ID:        id,
		Name:      opts.Name,
		Status:    domain.ProductActive,
		RiskLevel: opts.RiskLevel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Product{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProduct(ctx, tx, p); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Product{}, reason.Newf(reason.BadRequest, "product %s already exists", p.ID).With("product_id", p.ID)
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	if err := e.Activity.Append(ctx, tx, domain.Activity{
		TaskID: p.ID,
		Action: domain.ActionProductCreate,
		Actor:  opts.Actor,
		Reason: p.Name,
	}); err != nil {
		return domain.Product{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

// SetProductStatus pauses, resumes, or kills a product. Killing is how a
// workstream stops accepting new tasks; existing tasks are untouched.
func (e Engine) SetProductStatus(ctx context.Context, id, status, actor string) (domain.Product, error) {
	if e.Config == nil {
		return domain.Product{}, errors.New("config not loaded")
	}
	if !e.privileged(actor) {
		return domain.Product{}, reason.New(reason.NotAuthorized, "only the privileged actor may change product status").
			With("caller", actor)
	}
	if status != domain.ProductActive && status != domain.ProductPaused && status != domain.ProductKilled {
		return domain.Product{}, reason.Newf(reason.BadRequest, "unknown product status %s", status).With("status", status)
	}
	p, err := e.Repo.GetProduct(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Product{}, reason.Newf(reason.ProductNotFound, "product %s not found", id).With("product_id", id)
		}
		return domain.Product{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProductStatus(ctx, tx, id, status, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, reason.Newf(reason.ProductNotFound, "product %s not found", id).With("product_id", id)
		}
		return p, fmt.Errorf("update product: %w", err)
	}
	if err := e.Activity.Append(ctx, tx, domain.Activity{
		TaskID:    p.ID,
		Action:    domain.ActionProductStatus,
		FromState: p.Status,
		ToState:   status,
		Actor:     actor,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = status
	p.UpdatedAt = now
	return p, nil
}

// CapabilityGrantOptions are parameters for granting broker access.
type CapabilityGrantOptions struct {
	Group     string
	Provider  string
	Level     string
	ProductID string
	ExpiresAt string
	Actor     string
}

// GrantCapability records a capability grant. L2 and L3 grants default to
// the configured TTL when no explicit expiry is supplied; expiry is enforced
// when the capability is used, so a stale row is inert the moment it lapses.
func (e Engine) GrantCapability(ctx context.Context, opts CapabilityGrantOptions) (domain.Capability, error) {
	if e.Config == nil {
		return domain.Capability{}, errors.New("config not loaded")
	}
	if !e.privileged(opts.Actor) {
		return domain.Capability{}, reason.New(reason.NotAuthorized, "only the privileged actor may grant capabilities").
			With("caller", opts.Actor)
	}
	if opts.Group == "" || opts.Provider == "" {
		return domain.Capability{}, reason.New(reason.BadRequest, "group and provider are required")
	}
	if !domain.ValidLevel(opts.Level) {
		return domain.Capability{}, reason.Newf(reason.InvalidLevel, "unknown capability level %s", opts.Level).With("level", opts.Level)
	}
	if opts.ProductID != "" {
		if _, err := e.Repo.GetProduct(ctx, opts.ProductID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Capability{}, reason.Newf(reason.ProductNotFound, "product %s not found", opts.ProductID).
					With("product_id", opts.ProductID)
			}
			return domain.Capability{}, err
		}
	}
	now := e.now().UTC()
	expires := opts.ExpiresAt
	if expires == "" && domain.LevelRank(opts.Level) >= domain.LevelRank(domain.LevelWrite) {
		expires = now.Add(e.Config.GrantTTL()).Format(time.RFC3339)
	}
	c := domain.Capability{
		ID:        uuid.New().String(),
		Group:     opts.Group,
		Provider:  opts.Provider,
		Level:     opts.Level,
		ProductID: optionalString(opts.ProductID),
		GrantedBy: opts.Actor,
		GrantedAt: now.Format(time.RFC3339),
		ExpiresAt: optionalString(expires),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Capability{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCapability(ctx, tx, c); err != nil {
		return domain.Capability{}, fmt.Errorf("insert capability: %w", err)
	}
	reasonText := fmt.Sprintf("%s may use %s at %s", c.Group, c.Provider, c.Level)
	if c.ProductID != nil {
		reasonText += " for product " + *c.ProductID
	}
	if err := e.Activity.Append(ctx, tx, domain.Activity{
		TaskID: c.ID,
		Action: domain.ActionCapabilityGrant,
		Actor:  opts.Actor,
		Reason: reasonText,
	}); err != nil {
		return domain.Capability{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Capability{}, err
	}
	return c, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
