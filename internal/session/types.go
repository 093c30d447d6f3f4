// Package session implements the live interview engine: one Session per
// user holding the sentence assembler, the transcript memory, the response
// workers, and the credit meter, all owned and supervised by a Registry.
package session

import (
	"time"

	"github.com/intervox-ai/intervox/pkg/billing"
)

// Type is the kind of interview session. It determines which response
// workers run and how many credits a minute of session time costs.
type Type string

const (
	// TypeGeneral is a live interview with answer suggestions.
	TypeGeneral Type = "general"
	// TypeCoding is a live coding interview with answer suggestions.
	TypeCoding Type = "coding"
	// TypeCoach is a practice session with coaching feedback only.
	TypeCoach Type = "coach"
	// TypeMock is a simulated interview where the AI plays the interviewer.
	TypeMock Type = "mock"
	// TypeGeneralAndCoach combines answer suggestions with coaching.
	TypeGeneralAndCoach Type = "general_and_coach"
	// TypeCodingAndCoach combines coding answers with coaching.
	TypeCodingAndCoach Type = "coding_and_coach"
)

// IsValid reports whether t is a known session type.
func (t Type) IsValid() bool {
	switch t {
	case TypeGeneral, TypeCoding, TypeCoach, TypeMock, TypeGeneralAndCoach, TypeCodingAndCoach:
		return true
	}
	return false
}

// HasResponder reports whether sessions of this type run the answer
// responder worker. Mock and coach-only sessions do not: there is no
// interviewer to answer for.
func (t Type) HasResponder() bool {
	switch t {
	case TypeGeneral, TypeCoding, TypeGeneralAndCoach, TypeCodingAndCoach:
		return true
	}
	return false
}

// HasCoach reports whether sessions of this type run the coach worker.
// For mock sessions the coach worker plays the interviewer.
func (t Type) HasCoach() bool {
	switch t {
	case TypeCoach, TypeMock, TypeGeneralAndCoach, TypeCodingAndCoach:
		return true
	}
	return false
}

// CostPerMinute returns how many credits one minute of session time costs.
// Mock sessions are free; combined sessions run two workers and cost double.
func (t Type) CostPerMinute() int64 {
	switch t {
	case TypeGeneral, TypeCoding, TypeCoach:
		return 1
	case TypeGeneralAndCoach, TypeCodingAndCoach:
		return 2
	case TypeMock:
		return 0
	}
	return 0
}

// DurationLimit returns the maximum active duration for a session owned by
// an account of the given tier. Zero means unlimited.
func DurationLimit(tier billing.Tier) time.Duration {
	switch tier {
	case billing.TierPaid:
		return 2 * time.Hour
	case billing.TierAdmin:
		return 0
	default:
		return 30 * time.Minute
	}
}
