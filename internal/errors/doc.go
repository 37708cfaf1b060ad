// Package errors defines error types for the proxy.
//
// Every failure the proxy surfaces to a client maps to one Kind so callers can
// tell a stale session id from a dead backend from a full pool without parsing
// messages. All error types support unwrapping and can be checked using
// errors.Is, errors.As, and errors.AsType.
package errors
