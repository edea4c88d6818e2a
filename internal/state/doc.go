// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/gophervoice/internal/types"

// Compile-time interface compliance checks.
var _ types.EventStore = (*EventStore)(nil)
