package core

import (
	"errors"
	"io"

	"github.com/haivivi/charcore/pkg/config"
	"github.com/haivivi/charcore/pkg/jobs"
	"github.com/haivivi/charcore/pkg/operation"
	"github.com/haivivi/charcore/pkg/prompter"
)

// CodeInternal is the code of errors outside the taxonomy.
const CodeInternal = "internal"

var codes = []struct {
	err  error
	code string
}{
	// Cancellation first: a cancelled stage often fails with a wrapped
	// operation error as well.
	{jobs.ErrCancelled, jobs.CodeCancelled},
	{operation.ErrUnknownOpType, "unknown_op_type"},
	{operation.ErrUnknownOpID, "unknown_op_id"},
	{operation.ErrOperationUnloaded, "operation_unloaded"},
	{operation.ErrDuplicateFilter, "duplicate_filter"},
	{operation.ErrCompatibilityMode, "compatibility_mode_enabled"},
	{operation.ErrStartOnActive, "start_on_active"},
	{operation.ErrCloseOnInactive, "close_on_inactive"},
	{operation.ErrUsedWhileInactive, "used_while_inactive"},
	{operation.ErrSlotOccupied, "slot_occupied"},
	{operation.ErrContractViolation, "contract_violation"},
	{jobs.ErrNonexistentJob, "nonexistent_job"},
	{jobs.ErrUnknownJobType, "unknown_job_type"},
	{jobs.ErrInvalidParams, "invalid_params"},
	{config.ErrInvalidConfig, "invalid_config"},
	{config.ErrUnknownConfig, "unknown_config"},
	{prompter.ErrUnknownContext, "unknown_context"},
	{prompter.ErrInvalidContext, "invalid_context"},
}

// ErrorCode maps err to its wire code.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Codes returns every wire code ErrorCode can produce.
func Codes() []string {
	out := make([]string, 0, len(codes)+1)
	for _, c := range codes {
		out = append(out, c.code)
	}
	return append(out, CodeInternal)
}

func isEOF(err error) bool {
	return err == io.EOF
}
