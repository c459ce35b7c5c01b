// Package entitlement decides, per store, which paid feature modules are
// active, what they cost this month, and which capabilities are unlocked.
// Local state is mutated optimistically and reconciled with the remote store
// through change notifications and full re-syncs.
package entitlement

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate reports that an activation record already exists. Commands
// treat it as success: activating an active module is idempotent.
var ErrDuplicate = errors.New("activation already exists")

// Activation is one (store, module) activation record. Records are inserted
// and deleted, never updated in place.
type Activation struct {
	ID        string    `json:"id,omitempty" db:"id"`
	StoreID   string    `json:"store_id" db:"store_id"`
	ModuleID  string    `json:"module_id" db:"module_id"`
	CreatedAt time.Time `json:"created_at,omitempty" db:"created_at"`
}

// Op identifies an engine command for error reporting.
type Op string

const (
	OpActivate   Op = "activate"
	OpDeactivate Op = "deactivate"
	OpSetModules Op = "set_modules"
)

// CommandError is the single user-facing notification for one failed
// command. ID is unique per failure so the UI can de-duplicate toasts.
type CommandError struct {
	ID       string
	Op       Op
	StoreID  string
	ModuleID string
	Err      error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.ModuleID == "" {
		return fmt.Sprintf("%s failed for store %s: %v", e.Op, e.StoreID, e.Err)
	}
	return fmt.Sprintf("%s %s failed for store %s: %v", e.Op, e.ModuleID, e.StoreID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *CommandError) Unwrap() error { return e.Err }
