package operation

import "errors"

var (
	// ErrUnknownOpType means the operation type does not exist.
	ErrUnknownOpType = errors.New("operation: unknown operation type")

	// ErrUnknownOpID means no capability is registered under the id.
	ErrUnknownOpID = errors.New("operation: unknown operation id")

	// ErrOperationUnloaded means the addressed slot or id has no active
	// operation.
	ErrOperationUnloaded = errors.New("operation: operation not loaded")

	// ErrDuplicateFilter means a filter with the same id is already active.
	ErrDuplicateFilter = errors.New("operation: duplicate filter")

	// ErrCompatibilityMode means the capability is blocked while
	// compatibility mode is enabled.
	ErrCompatibilityMode = errors.New("operation: blocked by compatibility mode")

	// ErrSlotOccupied means a singleton slot already holds an operation and
	// must be unloaded first.
	ErrSlotOccupied = errors.New("operation: slot occupied")

	ErrStartOnActive     = errors.New("operation: start on active operation")
	ErrCloseOnInactive   = errors.New("operation: close on inactive operation")
	ErrUsedWhileInactive = errors.New("operation: used while inactive")

	// ErrContractViolation means a chunk lacks the part its stage requires.
	ErrContractViolation = errors.New("operation: contract violation")
)
