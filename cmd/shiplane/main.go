// Command shiplane deploys a containerized workload: it provisions
// infrastructure, publishes the image, rolls out Kubernetes manifests and
// verifies the workload's health, with bounded retries and rollback on
// failure.
//
// Exit codes: 0 on success, 2 when a deployment stage failed, 3 when health
// verification failed, 1 for configuration and usage errors.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var coded *codedError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(1)
	}
}

// codedError carries the process exit code alongside the underlying error so
// operators can triage deployment failures apart from health failures.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() error { return e.err }
