package models

import (
	"time"
)

// Outcome is the result recorded for one processed event
type Outcome string

const (
	OutcomeApplied    Outcome = "Applied"
	OutcomeReconciled Outcome = "Reconciled"
	OutcomeIgnored    Outcome = "Ignored"
	OutcomeRejected   Outcome = "Rejected"
	OutcomeFailed     Outcome = "Failed"
)

// Terminal reports whether a redelivery with the same key must not be reprocessed
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeApplied, OutcomeReconciled, OutcomeIgnored, OutcomeRejected:
		return true
	}
	return false
}

// AuditEntry is an immutable record of "event X produced transition Y at time T
// with outcome Z". TerminalKey is only set for terminal outcomes so that a
// failed attempt does not block the later successful one.
type AuditEntry struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	IdempotencyKey string    `json:"idempotency_key" gorm:"size:191;index"`
	TerminalKey    *string   `json:"-" gorm:"size:191;uniqueIndex"`
	CorrelationID  string    `json:"correlation_id" gorm:"size:64;index"`
	ExternalID     string    `json:"external_id" gorm:"size:100;index"`
	Action         string    `json:"action" gorm:"size:30"`
	Source         Source    `json:"source" gorm:"size:20"`
	OldState       State     `json:"old_state" gorm:"size:30"`
	NewState       State     `json:"new_state" gorm:"size:30"`
	Outcome        Outcome   `json:"outcome" gorm:"size:20;not null;index"`
	Detail         string    `json:"detail" gorm:"type:text"`
	OccurredAt     time.Time `json:"occurred_at"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// NewAuditEntry fills TerminalKey according to the outcome
func NewAuditEntry(key string, outcome Outcome) *AuditEntry {
	entry := &AuditEntry{IdempotencyKey: key, Outcome: outcome}
	if outcome.Terminal() && key != "" {
		k := key
		entry.TerminalKey = &k
	}
	return entry
}
