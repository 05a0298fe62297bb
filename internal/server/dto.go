package server

import (
	"encoding/json"

	"govline/internal/domain"
)

// Request payloads

type CreateProductRequest struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	RiskLevel *string `json:"risk_level,omitempty"`
}

type SetProductStatusRequest struct {
	Status string `json:"status" enum:"active,paused,killed"`
}

type CreateTaskRequest struct {
	ID            *string        `json:"id,omitempty"`
	Title         string         `json:"title"`
	Description   *string        `json:"description,omitempty"`
	Type          string         `json:"task_type" enum:"EPIC,FEATURE,BUG,SECURITY,REVOPS,OPS,RESEARCH,CONTENT,DOC,INCIDENT"`
	Priority      *int           `json:"priority,omitempty"`
	ProductID     *string        `json:"product_id,omitempty"`
	Scope         *string        `json:"scope,omitempty" enum:"COMPANY,PRODUCT"`
	AssignedGroup *string        `json:"assigned_group,omitempty"`
	Gate          *string        `json:"gate,omitempty" enum:"None,Security,RevOps,Claims,Product"`
	DoDRequired   *bool          `json:"dod_required,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type TransitionTaskRequest struct {
	To              string  `json:"to" enum:"INBOX,TRIAGED,READY,DOING,REVIEW,APPROVAL,DONE,BLOCKED"`
	Reason          *string `json:"reason,omitempty"`
	ExpectedVersion *int    `json:"expected_version,omitempty"`
}

type ReportTaskRequest struct {
	Summary string `json:"summary"`
	Advance *bool  `json:"advance,omitempty"`
}

type ApproveGateRequest struct {
	GateType string  `json:"gate_type" enum:"Security,RevOps,Claims,Product"`
	Notes    *string `json:"notes,omitempty"`
}

type AssignTaskRequest struct {
	Group    string  `json:"group"`
	Executor *string `json:"executor,omitempty"`
}

type GrantCapabilityRequest struct {
	Group     string  `json:"group"`
	Provider  string  `json:"provider"`
	Level     string  `json:"level" enum:"L0,L1,L2,L3"`
	ProductID *string `json:"product_id,omitempty"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

type BrokerCallRequest struct {
	// Group is honored only for privileged callers; everyone else calls
	// as the group they authenticated as.
	Group          *string        `json:"group,omitempty"`
	Provider       string         `json:"provider"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	ProductID      *string        `json:"product_id,omitempty"`
	TaskID         *string        `json:"task_id,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CheckOnly      bool           `json:"check_only,omitempty"`
}

type DevLoginRequest struct {
	Group string `json:"group"`
}

// Response payloads

type ProductResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,paused,killed"`
	RiskLevel string `json:"risk_level,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Type          string         `json:"task_type" enum:"EPIC,FEATURE,BUG,SECURITY,REVOPS,OPS,RESEARCH,CONTENT,DOC,INCIDENT"`
	State         string         `json:"state" enum:"INBOX,TRIAGED,READY,DOING,REVIEW,APPROVAL,DONE,BLOCKED"`
	Priority      int            `json:"priority"`
	ProductID     *string        `json:"product_id,omitempty"`
	Scope         string         `json:"scope" enum:"COMPANY,PRODUCT"`
	AssignedGroup *string        `json:"assigned_group,omitempty"`
	Executor      *string        `json:"executor,omitempty"`
	CreatedBy     string         `json:"created_by"`
	Gate          string         `json:"gate" enum:"None,Security,RevOps,Claims,Product"`
	DoDRequired   bool           `json:"dod_required"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Version       int            `json:"version"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type ActivityResponse struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ApprovalResponse struct {
	TaskID     string `json:"task_id"`
	GateType   string `json:"gate_type" enum:"Security,RevOps,Claims,Product"`
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at" format:"date-time"`
	Notes      string `json:"notes,omitempty"`
}

type DispatchResponse struct {
	ID          string `json:"id"`
	DispatchKey string `json:"dispatch_key"`
	TaskID      string `json:"task_id"`
	Worker      string `json:"worker"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CapabilityResponse struct {
	ID        string  `json:"id"`
	Group     string  `json:"group"`
	Provider  string  `json:"provider"`
	Level     string  `json:"level" enum:"L0,L1,L2,L3"`
	ProductID *string `json:"product_id,omitempty"`
	GrantedBy string  `json:"granted_by"`
	GrantedAt string  `json:"granted_at" format:"date-time"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

type ExtCallResponse struct {
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

type BrokerCallResponse struct {
	Call     ExtCallResponse `json:"call"`
	Response map[string]any  `json:"response,omitempty"`
}

type EffectiveLevelResponse struct {
	Group          string `json:"group"`
	Provider       string `json:"provider"`
	ProductID      string `json:"product_id,omitempty"`
	EffectiveLevel string `json:"effective_level" enum:"L0,L1,L2,L3"`
}

type WhoAmIResponse struct {
	Group      string `json:"group"`
	Privileged bool   `json:"privileged"`
	Source     string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedActivities struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Conversion helpers

func productResponse(p domain.Product) ProductResponse {
	return ProductResponse(p)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Type:          t.Type,
		State:         t.State,
		Priority:      t.Priority,
		ProductID:     t.ProductID,
		Scope:         t.Scope,
		AssignedGroup: t.AssignedGroup,
		Executor:      t.Executor,
		CreatedBy:     t.CreatedBy,
		Gate:          t.Gate,
		DoDRequired:   t.DoDRequired,
		Metadata:      decodeJSONMap(t.MetadataJSON),
		Version:       t.Version,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse(a)
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse{
		TaskID:     a.TaskID,
		GateType:   a.GateType,
		ApprovedBy: a.ApprovedBy,
		ApprovedAt: a.ApprovedAt,
		Notes:      a.Notes,
	}
}

func dispatchResponse(d domain.Dispatch) DispatchResponse {
	return DispatchResponse(d)
}

func capabilityResponse(c domain.Capability) CapabilityResponse {
	return CapabilityResponse(c)
}

func extCallResponse(c domain.ExtCall) ExtCallResponse {
	return ExtCallResponse(c)
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapActivities(items []domain.Activity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

func mapApprovals(items []domain.Approval) []ApprovalResponse {
	res := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, approvalResponse(a))
	}
	return res
}

func mapDispatches(items []domain.Dispatch) []DispatchResponse {
	res := make([]DispatchResponse, 0, len(items))
	for _, d := range items {
		res = append(res, dispatchResponse(d))
	}
	return res
}

func mapCapabilities(items []domain.Capability) []CapabilityResponse {
	res := make([]CapabilityResponse, 0, len(items))
	for _, c := range items {
		res = append(res, capabilityResponse(c))
	}
	return res
}

func mapExtCalls(items []domain.ExtCall) []ExtCallResponse {
	res := make([]ExtCallResponse, 0, len(items))
	for _, c := range items {
		res = append(res, extCallResponse(c))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeJSONValue(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
