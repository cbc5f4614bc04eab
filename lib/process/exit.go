// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is implemented by errors that carry a specific process
// exit status.
type ExitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits with the status from
// ExitStatus.
func Fatal(err error) {
	os.Exit(Report(os.Stderr, err))
}

// Report writes "error: err" to w and returns the exit status the
// process should use: the ExitCode of the first ExitCoder in err's
// chain, or 1.
func Report(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %v\n", err)
	return ExitStatus(err)
}

// ExitStatus returns the exit status for err: 0 for nil, the ExitCode
// of the first ExitCoder in err's chain, otherwise 1.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
