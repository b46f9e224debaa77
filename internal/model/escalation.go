package model

import "time"

// EscalationReason is the closed set of justifications for a provider
// transition.
type EscalationReason string

const (
	ReasonProviderError  EscalationReason = "provider_error"
	ReasonLowConfidence  EscalationReason = "low_confidence"
	ReasonManualOverride EscalationReason = "manual_override"
)

// Valid reports whether r is a known escalation reason.
func (r EscalationReason) Valid() bool {
	switch r {
	case ReasonProviderError, ReasonLowConfidence, ReasonManualOverride:
		return true
	}
	return false
}

// Label is the human-readable form stored alongside the reason.
func (r EscalationReason) Label() string {
	switch r {
	case ReasonProviderError:
		return "provider error"
	case ReasonLowConfidence:
		return "low confidence"
	case ReasonManualOverride:
		return "manual escalation"
	}
	return string(r)
}

// EscalationEntry is one append-only transition in a task's history.
type EscalationEntry struct {
	ID                 int64            `json:"id"`
	TaskID             string           `json:"task_id"`
	FromProvider       string           `json:"from_provider"`
	ToProvider         string           `json:"to_provider"`
	Reason             EscalationReason `json:"reason"`
	Rule               string           `json:"rule,omitempty"`
	Detail             string           `json:"detail,omitempty"`
	PreviousOutput     string           `json:"previous_output,omitempty"`
	PreviousConfidence *float64         `json:"previous_confidence,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}
