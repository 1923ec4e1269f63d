// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/perfgrind/perfgrind/callgrind"
	"github.com/perfgrind/perfgrind/perfdata"
	"github.com/perfgrind/perfgrind/pprofout"
	"github.com/perfgrind/perfgrind/profile"
	"github.com/perfgrind/perfgrind/resolver"
)

const (
	defaultMode   = "callgraph"
	defaultDetail = "source"
	defaultFormat = "callgrind"
)

// Help strings for command line arguments
var (
	verboseHelp      = "Enable verbose logging and debugging capabilities."
	modeHelp         = "Profile mode: flat or callgraph."
	detailHelp       = "Resolution detail: object, symbol or source."
	instructionsHelp = "Dump at instruction level instead of aggregating by source line."
	formatHelp       = "Output format: callgrind or pprof."
)

func parseMode(s string) (profile.Mode, error) {
	switch s {
	case "flat":
		return profile.Flat, nil
	case "callgraph":
		return profile.CallGraph, nil
	}
	return 0, fmt.Errorf("invalid mode %q", s)
}

func parseDetail(s string) (resolver.Detail, error) {
	switch s {
	case "object":
		return resolver.Objects, nil
	case "symbol":
		return resolver.Symbols, nil
	case "source":
		return resolver.Sources, nil
	}
	return 0, fmt.Errorf("invalid details level %q", s)
}

func rootCommand() *ffcli.Command {
	rootFS := flag.NewFlagSet("perfgrind", flag.ContinueOnError)
	verbose := rootFS.Bool("v", false, verboseHelp)

	setupLogging := func() {
		if *verbose {
			log.SetLevel(log.DebugLevel)
		}
	}

	root := &ffcli.Command{
		Name:        "perfgrind",
		ShortUsage:  "perfgrind [-v] <subcommand> [flags] <args>",
		FlagSet:     rootFS,
		Subcommands: []*ffcli.Command{infoCommand(setupLogging), convertCommand(setupLogging)},
	}
	root.Exec = func(context.Context, []string) error {
		fmt.Fprintln(os.Stderr, ffcli.DefaultUsageFunc(root))
		return flag.ErrHelp
	}
	return root
}

func infoCommand(setupLogging func()) *ffcli.Command {
	fs := flag.NewFlagSet("perfgrind info", flag.ContinueOnError)
	return &ffcli.Command{
		Name:       "info",
		ShortUsage: "perfgrind info {flat|callgraph} <file>",
		ShortHelp:  "Print event and sample counts of a capture file.",
		FlagSet:    fs,
		Exec: func(_ context.Context, args []string) error {
			if len(args) != 2 {
				return flag.ErrHelp
			}
			setupLogging()
			mode, err := parseMode(args[0])
			if err != nil {
				return err
			}
			return runInfo(os.Stdout, mode, args[1])
		},
	}
}

func runInfo(w io.Writer, mode profile.Mode, inputFile string) error {
	prof, err := loadProfile(mode, inputFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "memory objects: %d\n", len(prof.Objects()))
	fmt.Fprintf(w, "entries: %d\n", prof.EntryCount())
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "mmap events: %d\n", prof.MmapEvents())
	fmt.Fprintf(w, "good sample events: %d\n", prof.GoodSamples())
	fmt.Fprintf(w, "non-user sample events: %d\n", prof.NonUserSamples())
	fmt.Fprintf(w, "unmapped sample events: %d\n", prof.UnmappedSamples())
	fmt.Fprintf(w, "total sample events: %d\n", prof.SampleEvents())
	fmt.Fprintf(w, "total events: %d\n", prof.SampleEvents()+prof.MmapEvents())
	return nil
}

type convertConfig struct {
	mode         string
	detail       string
	instructions bool
	format       string
}

func convertCommand(setupLogging func()) *ffcli.Command {
	var cfg convertConfig
	fs := flag.NewFlagSet("perfgrind convert", flag.ContinueOnError)
	fs.StringVar(&cfg.mode, "m", defaultMode, modeHelp)
	fs.StringVar(&cfg.detail, "d", defaultDetail, detailHelp)
	fs.BoolVar(&cfg.instructions, "i", false, instructionsHelp)
	fs.StringVar(&cfg.format, "f", defaultFormat, formatHelp)

	return &ffcli.Command{
		Name:       "convert",
		ShortUsage: "perfgrind convert [-m {flat|callgraph}] [-d {object|symbol|source}] [-i] [-f {callgrind|pprof}] <in> [<out>]",
		ShortHelp:  "Convert a capture file to a Callgrind (or pprof) profile.",
		FlagSet:    fs,
		Exec: func(_ context.Context, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return flag.ErrHelp
			}
			setupLogging()
			outputFile := ""
			if len(args) == 2 {
				outputFile = args[1]
			}
			return runConvert(cfg, args[0], outputFile)
		},
	}
}

func runConvert(cfg convertConfig, inputFile, outputFile string) error {
	mode, err := parseMode(cfg.mode)
	if err != nil {
		return err
	}
	detail, err := parseDetail(cfg.detail)
	if err != nil {
		return err
	}
	if cfg.format != "callgrind" && cfg.format != "pprof" {
		return fmt.Errorf("invalid output format %q", cfg.format)
	}
	if cfg.format == "pprof" && cfg.instructions {
		return fmt.Errorf("instruction-level dump is not available for pprof output")
	}

	// Whole-object resolution leaves nothing for a call graph to hang off.
	if detail == resolver.Objects && mode == profile.CallGraph {
		mode = profile.Flat
	}

	prof, err := loadProfile(mode, inputFile)
	if err != nil {
		return err
	}
	prof.Resolve(detail)
	if mode == profile.CallGraph {
		prof.FixupBranches()
	}

	out := os.Stdout
	if outputFile != "" {
		out, err = os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
	}

	switch cfg.format {
	case "pprof":
		err = pprofout.Dump(out, prof)
	default:
		err = callgrind.Dump(out, prof, callgrind.Options{
			DumpInstructions: cfg.instructions,
			Detail:           detail,
		})
	}

	if outputFile != "" {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			// Partial output is useless to visualization tools.
			os.Remove(outputFile)
		}
	}
	return err
}

func loadProfile(mode profile.Mode, inputFile string) (*profile.Profile, error) {
	in, err := os.Open(inputFile)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	defer in.Close()

	prof := profile.New(mode)
	if err := prof.Load(perfdata.NewReader(in)); err != nil {
		return nil, fmt.Errorf("read %s: %w", inputFile, err)
	}
	return prof, nil
}
