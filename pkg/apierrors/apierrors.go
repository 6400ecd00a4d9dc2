// Package apierrors defines the alignment engine's error taxonomy (spec §7):
// a closed set of Kinds, each mapped to an HTTP status, carried in a single
// introspectable error type. Grounded on internal/store's ErrNotFound — a
// typed, structured error rather than a sentinel or a bare string — and
// generalized from "not found" to the full taxonomy.
package apierrors

import "fmt"

// Kind is one of the enumerated error kinds from spec §7.
type Kind string

const (
	KindInvalidRequest       Kind = "INVALID_REQUEST"
	KindTenantNotFound       Kind = "TENANT_NOT_FOUND"
	KindAgentNotFound        Kind = "AGENT_NOT_FOUND"
	KindSessionNotFound      Kind = "SESSION_NOT_FOUND"
	KindSessionBusy          Kind = "SESSION_BUSY"
	KindRuleNotFound         Kind = "RULE_NOT_FOUND"
	KindScenarioNotFound     Kind = "SCENARIO_NOT_FOUND"
	KindTemplateNotFound     Kind = "TEMPLATE_NOT_FOUND"
	KindVariableNotFound     Kind = "VARIABLE_NOT_FOUND"
	KindMigrationPlanNotFound Kind = "MIGRATION_PLAN_NOT_FOUND"
	KindRuleViolation        Kind = "RULE_VIOLATION"
	KindToolFailed           Kind = "TOOL_FAILED"
	KindRateLimitExceeded    Kind = "RATE_LIMIT_EXCEEDED"
	KindLLMError             Kind = "LLM_ERROR"
	KindPublishInProgress    Kind = "PUBLISH_IN_PROGRESS"
	KindPublishFailed        Kind = "PUBLISH_FAILED"
	KindInvalidTransition    Kind = "INVALID_TRANSITION"
	KindTurnDeadlineExceeded Kind = "TURN_DEADLINE_EXCEEDED"
	KindInternalError        Kind = "INTERNAL_ERROR"
)

// httpStatus is the fixed code -> HTTP status table from spec §7.
var httpStatus = map[Kind]int{
	KindInvalidRequest:        400,
	KindTenantNotFound:        404,
	KindAgentNotFound:         404,
	KindSessionNotFound:       404,
	KindRuleNotFound:          404,
	KindScenarioNotFound:      404,
	KindTemplateNotFound:      404,
	KindVariableNotFound:      404,
	KindMigrationPlanNotFound: 404,
	KindSessionBusy:           409,
	KindPublishInProgress:     409,
	KindRateLimitExceeded:     429,
	KindInternalError:         500,
	KindPublishFailed:         500,
	KindRuleViolation:         500,
	KindLLMError:              502,
	KindToolFailed:            502,
	KindInvalidTransition:     500,
	KindTurnDeadlineExceeded:  504,
}

// Error is the single structured error type carrying a Kind, a message, and
// optional machine-readable details — the wire shape is
// {error: {code, message, details?}} per spec §6.
type Error struct {
	Kind    Kind              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus looks up the fixed status for this error's Kind, defaulting to
// 500 for an unmapped (should never happen) Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches machine-readable details and returns the receiver
// for chaining.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// NotFound builds a <Entity>_NOT_FOUND style error for the given entity
// kind and key, mirroring internal/store.ErrNotFound's {Entity, Key} shape.
func NotFound(entityKind Kind, entity, key string) *Error {
	return &Error{
		Kind:    entityKind,
		Message: fmt.Sprintf("%s %q not found", entity, key),
		Details: map[string]string{"entity": entity, "key": key},
	}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae.Kind == kind
}
