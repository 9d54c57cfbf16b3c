// Package policyerr defines the policy-hook error family: the subclass of
// provider-independent errors a hook raises to abort a request, each
// carrying the specific policy-type code the wire error body exposes.
package policyerr

import "fmt"

// PolicyError is satisfied by every concrete error in this package so
// callers can type-switch on the common shape when attaching policy
// metadata to an error response.
type PolicyError interface {
	error
	HTTPStatus() int
	PolicyType() string
}

// InvisibleTextError is raised by the invisible-text hook's Ban action.
type InvisibleTextError struct {
	Count int
}

func (e *InvisibleTextError) Error() string {
	return fmt.Sprintf("invisible text detected (%d chars)", e.Count)
}
func (e *InvisibleTextError) HTTPStatus() int  { return 400 }
func (e *InvisibleTextError) PolicyType() string { return "invisible_text" }

// UnallowedLanguageError is raised by the languages hook's Ban action.
type UnallowedLanguageError struct {
	Language string
}

func (e *UnallowedLanguageError) Error() string {
	return fmt.Sprintf("language %q not allowed", e.Language)
}
func (e *UnallowedLanguageError) HTTPStatus() int  { return 400 }
func (e *UnallowedLanguageError) PolicyType() string { return "unallowed_language" }

// PromptInjectionError is raised by the prompt-injection hook's Ban action.
type PromptInjectionError struct {
	Score float64
}

func (e *PromptInjectionError) Error() string {
	return fmt.Sprintf("prompt injection detected, score=%.3f", e.Score)
}
func (e *PromptInjectionError) HTTPStatus() int  { return 400 }
func (e *PromptInjectionError) PolicyType() string { return "prompt_injection" }

// ForbiddenTopicError is raised by the topics hook's Ban action.
type ForbiddenTopicError struct {
	Topic string
	Score float64
}

func (e *ForbiddenTopicError) Error() string {
	return fmt.Sprintf("forbidden topic %q, score=%.3f", e.Topic, e.Score)
}
func (e *ForbiddenTopicError) HTTPStatus() int  { return 400 }
func (e *ForbiddenTopicError) PolicyType() string { return "forbidden_topic" }

// PolicyIsNotReadyError signals a hook's backing service has not finished
// loading (e.g. a model file still downloading, or, for langid/classify,
// the sync.Once initializer still running).
type PolicyIsNotReadyError struct {
	Hook string
}

func (e *PolicyIsNotReadyError) Error() string     { return fmt.Sprintf("policy %q not ready", e.Hook) }
func (e *PolicyIsNotReadyError) HTTPStatus() int   { return 503 }
func (e *PolicyIsNotReadyError) PolicyType() string { return "policy_not_ready" }

// Instant is the value a hook entry returns through its error result to
// short-circuit the pipeline with a canned response, replacing the source's
// InstantApiResponse exception (see SPEC_FULL.md §9 "exceptions as control
// flow"). It implements error so it can travel on that result; the pipeline
// and the HTTP edge recognise it with errors.As and treat its presence as a
// successful short-circuited result, not a failure.
type Instant struct {
	Body any
}

func (i *Instant) Error() string { return "instant response short-circuit" }
