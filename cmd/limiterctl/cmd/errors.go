package cmd

import (
	"errors"
	"fmt"

	"github.com/vitaliisemenov/zae-limiter/internal/rlerrors"
)

// argumentError marks a user-input mistake the CLI itself caught (missing
// required flag, malformed id) before ever reaching the store layer. It
// exits 2, distinct from a failure surfaced by the backend (exit 1).
type argumentError struct{ msg string }

func (e *argumentError) Error() string { return e.msg }

func argErrorf(format string, args ...any) error {
	return &argumentError{msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned from Execute to the process exit code:
// 0 is handled by the caller (nil error), 2 is an argument-level mistake,
// 1 is everything else a command can fail with.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var argErr *argumentError
	if errors.As(err, &argErr) {
		return 2
	}
	if rlerrors.ClassifyKind(err) == rlerrors.KindValidation {
		return 2
	}
	return 1
}
