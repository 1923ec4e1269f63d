// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

// perfgrind converts raw perf_event sample streams captured by the
// companion collector into Callgrind-format profiles.
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	log "github.com/sirupsen/logrus"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	root := rootCommand()
	err := root.ParseAndRun(context.Background(), os.Args[1:])
	if err == nil {
		return exitSuccess
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitSuccess
	}
	log.Error(err)
	return exitFailure
}
