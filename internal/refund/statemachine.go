// Package refund drives the refund approval state machine and keeps refund
// totals derived from their items.
package refund

import (
	"strings"
	"time"

	"kasirinaja/ledger/internal/domain"
)

var transitions = map[domain.RefundStatus][]domain.RefundStatus{
	domain.RefundPending:    {domain.RefundApproved, domain.RefundRejected, domain.RefundCancelled},
	domain.RefundApproved:   {domain.RefundProcessing, domain.RefundCancelled},
	domain.RefundProcessing: {domain.RefundCompleted, domain.RefundFailed},
}

func CanTransition(from domain.RefundStatus, to domain.RefundStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the refund to the next status or fails with
// ErrIllegalTransition. Nothing else on the refund changes.
func Transition(r domain.Refund, to domain.RefundStatus, at time.Time) (domain.Refund, error) {
	if !CanTransition(r.Status, to) {
		return domain.Refund{}, domain.IllegalTransition("refund", r.Status, to)
	}
	next := r.Clone()
	next.Status = to
	next.UpdatedAt = at
	return next, nil
}

// Approve re-checks the amount against what is still refundable on the order,
// since other refunds may have been approved after this one was requested.
func Approve(r domain.Refund, o domain.Order, siblings []domain.Refund, approver string, at time.Time) (domain.Refund, error) {
	if !CanTransition(r.Status, domain.RefundApproved) {
		return domain.Refund{}, domain.IllegalTransition("refund", r.Status, domain.RefundApproved)
	}
	if err := checkAmount(r, o, siblings); err != nil {
		return domain.Refund{}, err
	}
	next, err := Transition(r, domain.RefundApproved, at)
	if err != nil {
		return domain.Refund{}, err
	}
	next.DecidedBy = approver
	return next, nil
}

func Reject(r domain.Refund, reason string, decidedBy string, at time.Time) (domain.Refund, error) {
	next, err := Transition(r, domain.RefundRejected, at)
	if err != nil {
		return domain.Refund{}, err
	}
	next.DecidedBy = decidedBy
	next.RejectionReason = strings.TrimSpace(reason)
	return next, nil
}

func StartProcessing(r domain.Refund, at time.Time) (domain.Refund, error) {
	return Transition(r, domain.RefundProcessing, at)
}

func Complete(r domain.Refund, at time.Time) (domain.Refund, error) {
	next, err := Transition(r, domain.RefundCompleted, at)
	if err != nil {
		return domain.Refund{}, err
	}
	completedAt := at
	next.CompletedAt = &completedAt
	return next, nil
}

func Fail(r domain.Refund, reason string, at time.Time) (domain.Refund, error) {
	next, err := Transition(r, domain.RefundFailed, at)
	if err != nil {
		return domain.Refund{}, err
	}
	next.FailureReason = strings.TrimSpace(reason)
	return next, nil
}

func Cancel(r domain.Refund, reason string, at time.Time) (domain.Refund, error) {
	next, err := Transition(r, domain.RefundCancelled, at)
	if err != nil {
		return domain.Refund{}, err
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		next.Reason = strings.TrimSpace(next.Reason + "\ncancelled: " + reason)
	}
	return next, nil
}
