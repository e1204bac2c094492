// Package errors provides standardized error types and helpers for the Glossa codebase.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrRuleFailed indicates a substitution rule misbehaved on an input
	ErrRuleFailed = errors.New("rule failed")
	// ErrDetached indicates a document node was removed mid-traversal
	ErrDetached = errors.New("node detached")
	// ErrObserver indicates a mutation delivery callback failed
	ErrObserver = errors.New("observer failed")
	// ErrCache indicates a corrupt or unusable cache entry
	ErrCache = errors.New("cache entry invalid")
	// ErrClosed indicates an operation on a torn-down pipeline component
	ErrClosed = errors.New("already closed")
	// ErrUnsupported indicates an unsupported operation or format
	ErrUnsupported = errors.New("unsupported")
)

// RuleError reports a single substitution rule that threw or behaved
// pathologically on one input. It is always recovered where it occurs:
// the offending rule is skipped for that input and the remaining rules
// still apply.
type RuleError struct {
	Index   int    // Position of the rule in pattern order
	Pattern string // Source pattern of the offending rule
	Input   string // Input that triggered the failure (may be truncated)
	Err     error  // Underlying error or recovered panic value
}

func (e *RuleError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("rule %d (%s) failed: %v", e.Index, e.Pattern, e.Err)
	}
	return fmt.Sprintf("rule %d failed: %v", e.Index, e.Err)
}

func (e *RuleError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrRuleFailed
}

// TraversalError reports a node that became unreachable or detached while a
// walker pass was in progress. The affected subtree is skipped and the pass
// continues.
type TraversalError struct {
	Op   string // Operation being performed (e.g., "replace", "descend")
	Node string // Short description of the node (tag or truncated text)
	Err  error  // Underlying error, if any
}

func (e *TraversalError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("traversal %s on %s: %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("traversal %s: %v", e.Op, e.Err)
}

func (e *TraversalError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrDetached
}

// ObserverError reports a mutation subscriber whose callback panicked or
// returned a failure. It is caught at the subscription boundary; the
// subscription itself survives and keeps receiving future batches.
type ObserverError struct {
	Records int   // Number of records in the failed delivery
	Err     error // Underlying error or recovered panic value
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer delivery of %d record(s) failed: %v", e.Records, e.Err)
}

func (e *ObserverError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrObserver
}

// CacheError reports a corrupt or unexpected cache entry. Callers treat it
// as a miss and recompute; it is never surfaced as a failure.
type CacheError struct {
	Key     string // Cache key involved (may be truncated)
	Message string // Error details
}

func (e *CacheError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache entry for %q invalid: %s", e.Key, e.Message)
	}
	return fmt.Sprintf("cache entry invalid: %s", e.Message)
}

func (e *CacheError) Unwrap() error {
	return ErrCache
}

// ParseError represents a parsing or deserialization error
type ParseError struct {
	Format  string // Format being parsed (e.g., "JSON", "YAML", "rules DSL")
	Path    string // File path, if applicable
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse %s at %s: %s", e.Format, e.Path, e.Message)
	}
	return fmt.Sprintf("failed to parse %s: %s", e.Format, e.Message)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation (may be redacted)
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// Helper functions for creating common errors

// NewRule creates a RuleError for the rule at the given pattern-order index.
func NewRule(index int, pattern, input string, err error) *RuleError {
	return &RuleError{
		Index:   index,
		Pattern: pattern,
		Input:   Truncate(input, 64),
		Err:     err,
	}
}

// NewTraversal creates a TraversalError
func NewTraversal(op, node string, err error) *TraversalError {
	return &TraversalError{
		Op:   op,
		Node: node,
		Err:  err,
	}
}

// NewObserver creates an ObserverError
func NewObserver(records int, err error) *ObserverError {
	return &ObserverError{
		Records: records,
		Err:     err,
	}
}

// NewCache creates a CacheError
func NewCache(key, message string) *CacheError {
	return &CacheError{
		Key:     Truncate(key, 64),
		Message: message,
	}
}

// NewParse creates a ParseError
func NewParse(format, path, message string) *ParseError {
	return &ParseError{
		Format:  format,
		Path:    path,
		Message: message,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Truncate shortens s to at most n runes for inclusion in error messages.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
