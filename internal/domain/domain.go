package domain

// Task lifecycle states. The graph is forward-only; BLOCKED is reachable
// from any non-terminal state and only exits via a manual re-triage.
const (
	StateInbox    = "INBOX"
	StateTriaged  = "TRIAGED"
	StateReady    = "READY"
	StateDoing    = "DOING"
	StateReview   = "REVIEW"
	StateApproval = "APPROVAL"
	StateDone     = "DONE"
	StateBlocked  = "BLOCKED"
)

const (
	GateNone     = "None"
	GateSecurity = "Security"
	GateRevOps   = "RevOps"
	GateClaims   = "Claims"
	GateProduct  = "Product"
)

const (
	ScopeCompany = "COMPANY"
	ScopeProduct = "PRODUCT"
)

const (
	ProductActive = "active"
	ProductPaused = "paused"
	ProductKilled = "killed"
)

// Capability levels, ordered from no access to deploy/merge access.
const (
	LevelNone   = "L0"
	LevelRead   = "L1"
	LevelWrite  = "L2"
	LevelDeploy = "L3"
)

// Broker call audit statuses.
const (
	CallAllowed  = "allowed"
	CallDenied   = "denied"
	CallExecuted = "executed"
	CallFailed   = "failed"
)

const DispatchPending = "pending"

// Activity actions.
const (
	ActionCreate           = "create"
	ActionTransition       = "transition"
	ActionApprove          = "approve"
	ActionAssign           = "assign"
	ActionCoerceScope      = "coerce_scope"
	ActionExecutionSummary = "execution_summary"
	ActionProductCreate    = "product_create"
	ActionProductStatus    = "product_status"
	ActionCapabilityGrant  = "capability_grant"
)

var TaskTypes = []string{"EPIC", "FEATURE", "BUG", "SECURITY", "REVOPS", "OPS", "RESEARCH", "CONTENT", "DOC", "INCIDENT"}

var States = []string{StateInbox, StateTriaged, StateReady, StateDoing, StateReview, StateApproval, StateDone, StateBlocked}

var Gates = []string{GateNone, GateSecurity, GateRevOps, GateClaims, GateProduct}

var Scopes = []string{ScopeCompany, ScopeProduct}

var Levels = []string{LevelNone, LevelRead, LevelWrite, LevelDeploy}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func ValidTaskType(t string) bool { return contains(TaskTypes, t) }

func ValidState(s string) bool { return contains(States, s) }

func ValidGate(g string) bool { return contains(Gates, g) }

func ValidScope(s string) bool { return contains(Scopes, s) }

func ValidLevel(l string) bool { return contains(Levels, l) }

// TerminalState reports whether no transition can leave the state.
func TerminalState(s string) bool { return s == StateDone }

// LevelRank orders capability levels; unknown levels rank below L0.
func LevelRank(l string) int {
	for i, known := range Levels {
		if known == l {
			return i
		}
	}
	return -1
}

// DispatchKey derives the idempotency key for handing a task to a worker
// for the given target state. Deterministic so retries and restarted loops
// collapse onto the same row.
func DispatchKey(taskID, targetState string) string {
	return taskID + ":" + targetState
}

type Product struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,paused,killed"`
	RiskLevel string `json:"risk_level"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Type          string  `json:"task_type" enum:"EPIC,FEATURE,BUG,SECURITY,REVOPS,OPS,RESEARCH,CONTENT,DOC,INCIDENT"`
	State         string  `json:"state" enum:"INBOX,TRIAGED,READY,DOING,REVIEW,APPROVAL,DONE,BLOCKED"`
	Priority      int     `json:"priority"`
	ProductID     *string `json:"product_id,omitempty"`
	Scope         string  `json:"scope" enum:"COMPANY,PRODUCT"`
	AssignedGroup *string `json:"assigned_group,omitempty"`
	Executor      *string `json:"executor,omitempty"`
	CreatedBy     string  `json:"created_by"`
	Gate          string  `json:"gate" enum:"None,Security,RevOps,Claims,Product"`
	DoDRequired   bool    `json:"dod_required"`
	MetadataJSON  string  `json:"metadata_json,omitempty"`
	Version       int     `json:"version"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Activity struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Approval struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	GateType   string `json:"gate_type" enum:"Security,RevOps,Claims,Product"`
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at" format:"date-time"`
	Notes      string `json:"notes,omitempty"`
}

type Dispatch struct {
	ID          string `json:"id"`
	DispatchKey string `json:"dispatch_key"`
	TaskID      string `json:"task_id"`
	Worker      string `json:"worker"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Capability struct {
	ID        string  `json:"id"`
	Group     string  `json:"group"`
	Provider  string  `json:"provider"`
	Level     string  `json:"level" enum:"L0,L1,L2,L3"`
	ProductID *string `json:"product_id,omitempty"`
	GrantedBy string  `json:"granted_by"`
	GrantedAt string  `json:"granted_at" format:"date-time"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

type ExtCall struct {
	ID         string  `json:"id"`
	Group      string  `json:"group"`
	Provider   string  `json:"provider"`
	Action     string  `json:"action"`
	ParamsHMAC string  `json:"params_hmac"`
	Status     string  `json:"status" enum:"allowed,denied,executed,failed"`
	ProductID  *string `json:"product_id,omitempty"`
	TaskID     *string `json:"task_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	Group     string `json:"group"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
