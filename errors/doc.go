// Package errors provides standardized error handling patterns for adfront.
//
// # Overview
//
// Errors carry two independent pieces of information:
//
//   - a class (Transient, Invalid, Fatal) that drives retry and shutdown
//     decisions, and
//   - a dispatch kind (config, plugin_not_found, plugin_logic, sub_operation,
//     malformed_input, protocol_violation) that is reported in logs and
//     metrics for every failed request.
//
// The kind is carried by wrapping one of the taxonomy sentinels:
//
//	return errors.WrapInvalid(errors.ErrMalformedInput, "Engine", "Run", "derive plugin name")
//
//	errors.Kind(err) // "malformed_input"
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")  // For retryable errors
//	errors.WrapInvalid(err, "Component", "Method", "action")    // For validation errors
//	errors.WrapFatal(err, "Component", "Method", "action")      // For unrecoverable errors
//
// The generic Wrap() keeps whatever classification the wrapped error already has.
//
// # Propagation
//
// ErrConfig is startup-fatal: the process refuses to serve. Every other kind
// terminates a single request. Nothing in the dispatch path retries; upstream
// failover is configured per location and driven by the retry package.
package errors
