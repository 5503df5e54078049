// Package approvals implements multi-approver resolution for human-in-the-loop
// nodes. The workflow blocks on an approval signal; this package decides when
// the collected responses resolve the slot and in which direction.
package approvals

import (
	"strings"
	"time"

	"github.com/loomworks/loom/runtime/store"
)

// Signal is the payload delivered on the approval signal channel. ApprovalID
// and NodeID are optional addressing hints; a signal carrying neither targets
// whichever approval the execution is currently waiting on.
type Signal struct {
	ApprovalID string `json:"approval_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	Approver   string `json:"approver,omitempty"`
	Action     string `json:"action,omitempty"` // approve(d)|reject(ed)
	Comment    string `json:"comment,omitempty"`
	// Responses optionally batches pre-collected approver responses. They
	// are applied in order before the top-level action; a batch with an
	// empty Action is valid.
	Responses []Response `json:"responses,omitempty"`
}

// Response is one approver entry inside a batched signal.
type Response struct {
	Approver string `json:"approver"`
	Action   string `json:"action"`
	Comment  string `json:"comment,omitempty"`
}

// Addressed reports whether the signal targets the given slot. A signal with
// neither id set addresses the slot the execution is waiting on.
func (s Signal) Addressed(approvalID, nodeID string) bool {
	if s.ApprovalID == "" && s.NodeID == "" {
		return true
	}
	return s.ApprovalID == approvalID || s.NodeID == nodeID
}

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// NormalizeAction maps the accepted action spellings onto the canonical
// approve/reject literals. Callers drop signals whose action does not
// normalize rather than counting them as rejections.
func NormalizeAction(action string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionApprove, "approved":
		return ActionApprove, true
	case ActionReject, "rejected", "denied":
		return ActionReject, true
	}
	return "", false
}

// ID derives the deterministic slot identifier for a node within an
// execution. Activity retries and signal handlers must agree on it.
func ID(executionID, nodeID string) string {
	return executionID + "-" + nodeID
}

// Decision is the outcome of applying a response to a slot.
type Decision struct {
	// Resolved reports whether the slot reached a terminal state.
	Resolved bool
	// Approved is meaningful only when Resolved is true.
	Approved bool
	// Approver is the responder that tipped the decision.
	Approver string
	// Comments aggregates all recorded comments, most recent last.
	Comments []string
}

// Resolve inspects the slot's responses against its approval type and
// reports whether it is decided. Approval types:
//
//	any      - first response wins
//	all      - every approver must approve; any rejection rejects
//	majority - strictly more than half approve or reject
//
// Unknown types behave as "any", matching how single-approver nodes are
// configured in practice.
func Resolve(slot *store.ApprovalSlot) Decision {
	d := Decision{}
	approvals, rejections := 0, 0
	for _, r := range slot.Responses {
		if r.Action == ActionApprove {
			approvals++
		} else {
			rejections++
		}
		if r.Comment != "" {
			d.Comments = append(d.Comments, r.Comment)
		}
	}
	if len(slot.Responses) > 0 {
		d.Approver = slot.Responses[len(slot.Responses)-1].Approver
	}

	total := slot.TotalApprovers
	if total < 1 {
		total = 1
	}

	switch slot.ApprovalType {
	case "all":
		if rejections > 0 {
			d.Resolved, d.Approved = true, false
		} else if approvals >= total {
			d.Resolved, d.Approved = true, true
		}
	case "majority":
		needed := total/2 + 1
		if approvals >= needed {
			d.Resolved, d.Approved = true, true
		} else if rejections >= needed {
			d.Resolved, d.Approved = true, false
		} else if approvals+rejections >= total {
			// Everyone responded without a majority; ties reject.
			d.Resolved, d.Approved = true, false
		}
	default: // "any" and unconfigured slots
		if approvals+rejections > 0 {
			d.Resolved = true
			d.Approved = approvals > 0 && slot.Responses[len(slot.Responses)-1].Action == ActionApprove
		}
	}
	return d
}

// Apply folds the signal's responses into the slot and returns the resulting
// decision. Actions are normalized before recording; entries with unknown
// actions are skipped. Callers persist the slot through store.Approvals;
// Apply only mutates the in-memory copy used by the workflow.
func Apply(slot *store.ApprovalSlot, sig Signal, at time.Time) Decision {
	for _, r := range sig.Responses {
		appendResponse(slot, r.Approver, r.Action, r.Comment, at)
	}
	appendResponse(slot, sig.Approver, sig.Action, sig.Comment, at)
	d := Resolve(slot)
	if d.Resolved {
		if d.Approved {
			slot.Status = store.ApprovalApproved
		} else {
			slot.Status = store.ApprovalRejected
		}
		resolved := at
		slot.ResolvedAt = &resolved
	}
	return d
}

func appendResponse(slot *store.ApprovalSlot, approver, action, comment string, at time.Time) {
	canonical, ok := NormalizeAction(action)
	if !ok {
		return
	}
	slot.Responses = append(slot.Responses, store.ApprovalResponse{
		Approver:  approver,
		Action:    canonical,
		Comment:   comment,
		Timestamp: at,
	})
}
