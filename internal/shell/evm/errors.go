// Package evm deploys and wires contract units on an EVM chain through a
// JSON-RPC endpoint.
package evm

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Artifact errors
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidArtifact  = errors.New("invalid artifact")

	// Call errors
	ErrUnknownMethod     = errors.New("unknown method")
	ErrAmbiguousMethod   = errors.New("ambiguous method")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrTransactionFailed = errors.New("transaction failed")

	// Connection errors
	ErrConnectionFailed = errors.New("rpc connection failed")
	ErrInvalidKey       = errors.New("invalid private key")
)

// ChainError wraps errors with additional context.
type ChainError struct {
	Op      string // Operation that failed (deploy, transact, call)
	Entity  string // Unit name or method
	ID      string // Address or transaction hash if applicable
	Message string
	Err     error
}

func (e *ChainError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// NewChainError creates a new ChainError.
func NewChainError(op, entity, id, message string, err error) *ChainError {
	return &ChainError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}
