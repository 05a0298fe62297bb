package gate

import (
	"govline/internal/domain"
	"govline/internal/reason"
)

// Authority decides who may approve which gate. Approver roles come from
// static configuration; roles are a small fixed set here, not a managed
// permission system.
type Authority struct {
	// Gates maps a gate type to the single role allowed to approve it.
	Gates map[string]string
}

// CheckApprover verifies the calling group holds the approver role mapped
// to the gate. A privileged caller passes for any gate; the caller is
// responsible for recording the override under the real actor's name.
func (a Authority) CheckApprover(gateType, callingGroup string, privileged bool) *reason.Error {
	if !domain.ValidGate(gateType) || gateType == domain.GateNone {
		return reason.Newf(reason.InvalidGate, "unknown gate type %s", gateType).With("gate", gateType)
	}
	if privileged {
		return nil
	}
	required, ok := a.Gates[gateType]
	if !ok || required == "" {
		return reason.Newf(reason.InvalidGate, "no approver role configured for gate %s", gateType).With("gate", gateType)
	}
	if callingGroup != required {
		return reason.Newf(reason.WrongApprover, "gate %s requires role %s, called by %s", gateType, required, callingGroup).
			With("gate", gateType).
			With("required_role", required).
			With("caller", callingGroup)
	}
	return nil
}

// CheckApproverNotExecutor rejects an approval when the approver did, or is
// assigned to do, the work itself. There is no override for this check, not
// even for the privileged actor, and it must run before the approval row is
// written.
func (a Authority) CheckApproverNotExecutor(callingGroup string, task domain.Task) *reason.Error {
	if task.Executor != nil && *task.Executor == callingGroup {
		return reason.Newf(reason.ApproverIsExecutor, "%s executed the task and cannot approve it", callingGroup).
			With("caller", callingGroup).
			With("executor", *task.Executor)
	}
	if task.AssignedGroup != nil && *task.AssignedGroup == callingGroup {
		return reason.Newf(reason.ApproverIsExecutor, "%s is assigned to the task and cannot approve it", callingGroup).
			With("caller", callingGroup).
			With("assigned_group", *task.AssignedGroup)
	}
	return nil
}

// ApproverRole returns the role routed to for a gate, for dispatching
// approval work to the right queue.
func (a Authority) ApproverRole(gateType string) (string, bool) {
	role, ok := a.Gates[gateType]
	if !ok || role == "" {
		return "", false
	}
	return role, true
}
