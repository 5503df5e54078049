package activities

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/loomworks/loom/runtime/approvals"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

// ApprovalDispatch is the approval executor input. It creates the pending
// slot and notifies approvers; the interpreter then waits on the approval
// signal.
type ApprovalDispatch struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`

	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description"`
	Approvers    []string `json:"approvers"`
	Channels     []string `json:"channels,omitempty"`
	ApprovalType string   `json:"approval_type,omitempty"`
	// Context is a textual rendering of the prior node's output shown to
	// approvers.
	Context string `json:"context,omitempty"`
}

// DispatchResult reports the created slot.
type DispatchResult struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
}

// DispatchApproval persists the pending slot, emits approval.requested and
// notifies external channels. The slot id is derived from the execution and
// node so retries reuse the same slot instead of minting duplicates.
func (a *Activities) DispatchApproval(ctx context.Context, req ApprovalDispatch) (*DispatchResult, error) {
	if a.approvals == nil {
		return nil, fmt.Errorf("approval store not configured")
	}
	id := approvals.ID(req.ExecutionID, req.NodeID)
	slot := &store.ApprovalSlot{
		ID:             id,
		ExecutionID:    req.ExecutionID,
		NodeID:         req.NodeID,
		Status:         store.ApprovalPending,
		ApprovalType:   req.ApprovalType,
		TotalApprovers: len(req.Approvers),
		RequestedAt:    time.Now().UTC(),
	}
	if err := a.approvals.Create(ctx, slot); err != nil {
		return nil, fmt.Errorf("create approval slot: %w", err)
	}

	a.publish(ctx, EventPublication{
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		EventType:   stream.ApprovalRequested,
		Payload: map[string]any{
			"approval_id": id,
			"node_id":     req.NodeID,
			"title":       req.Title,
			"description": req.Description,
			"approvers":   req.Approvers,
			"context":     req.Context,
		},
	})

	if a.notifier != nil && wantsExternal(req.Channels) {
		err := a.notifier.NotifyApproval(ctx, ApprovalNotification{
			ApprovalID:  id,
			WorkflowID:  req.WorkflowID,
			ExecutionID: req.ExecutionID,
			NodeID:      req.NodeID,
			Title:       req.Title,
			Description: req.Description,
			Approvers:   req.Approvers,
			Context:     req.Context,
		})
		if err != nil {
			// Approvers can still act through the UI; don't fail the node.
			activity.GetLogger(ctx).Warn("approval notification failed",
				"approval_id", id, "error", err)
		}
	}

	return &DispatchResult{ApprovalID: id, Status: string(store.ApprovalPending)}, nil
}

// ApprovalResolution finalizes a slot after the interpreter collects a
// decision from the approval signals.
type ApprovalResolution struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	ApprovalID  string `json:"approval_id"`
	Approved    bool   `json:"approved"`
	Approver    string `json:"approver,omitempty"`
}

// ResolveApproval marks the slot terminal and emits approval.resolved.
// Resolving an already-resolved slot with the same status is a no-op, so the
// activity is retry-safe.
func (a *Activities) ResolveApproval(ctx context.Context, res ApprovalResolution) error {
	if a.approvals == nil {
		return fmt.Errorf("approval store not configured")
	}
	status := store.ApprovalRejected
	if res.Approved {
		status = store.ApprovalApproved
	}
	if err := a.approvals.Resolve(ctx, res.ApprovalID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("resolve approval %s: %w", res.ApprovalID, err)
	}
	a.publish(ctx, EventPublication{
		WorkflowID:  res.WorkflowID,
		ExecutionID: res.ExecutionID,
		NodeID:      res.NodeID,
		EventType:   stream.ApprovalResolved,
		Payload: map[string]any{
			"approval_id": res.ApprovalID,
			"node_id":     res.NodeID,
			"status":      string(status),
			"approver":    res.Approver,
		},
	})
	return nil
}

// wantsExternal reports whether any configured channel needs an external
// notification. "ui" is served by the event bus alone.
func wantsExternal(channels []string) bool {
	for _, c := range channels {
		if c != "" && c != "ui" {
			return true
		}
	}
	return false
}
