// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tcprelay/lib/config"
	"github.com/bureau-foundation/tcprelay/lib/service"
	"github.com/bureau-foundation/tcprelay/relay"
)

// runStatus queries a running relay's status socket.
func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var socketPath, configPath string
	var asJSON, help bool
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("tcprelay status", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&socketPath, "status-socket", "", "status socket of the running relay")
	flagSet.StringVarP(&configPath, "config", "c", "", "read status_socket from this config file (default $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&asJSON, "json", false, "print the status as JSON")
	flagSet.DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the relay to answer")
	flagSet.BoolVarP(&help, "help", "h", false, "show help")

	usage := func(w io.Writer) {
		fmt.Fprintf(w, "USAGE\n    tcprelay status [flags]\n\nFLAGS\n%s", flagSet.FlagUsages())
	}
	if err := flagSet.Parse(args); err != nil {
		usage(stderr)
		return &usageError{err: err}
	}
	if help {
		usage(stdout)
		return nil
	}
	if flagSet.NArg() > 0 {
		usage(stderr)
		return usageErrorf("unexpected argument %q", flagSet.Arg(0))
	}

	if socketPath == "" {
		if path := config.Path(configPath); path != "" {
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			socketPath = cfg.StatusSocket
		}
	}
	if socketPath == "" {
		usage(stderr)
		return usageErrorf("--status-socket is required")
	}

	callContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var status relay.Status
	if err := service.Call(callContext, socketPath, "status", &status); err != nil {
		return err
	}

	if asJSON {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	}
	return printStatus(stdout, status)
}

// printStatus writes a table of forwardings. On a color terminal the
// header is bold and forwardings with failures are highlighted;
// anything else gets plain text.
func printStatus(w io.Writer, status relay.Status) error {
	renderer := lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		renderer.SetColorProfile(termenv.Ascii)
	}
	headerStyle := renderer.NewStyle().Bold(true)
	failingStyle := renderer.NewStyle().Foreground(lipgloss.Color("9"))

	fmt.Fprintf(w, "mode %s, discovery %s, %s buffer per direction\n\n",
		status.Mode, status.DiscoveryPolicy, humanize.IBytes(uint64(status.BufferBytes)))

	// Align first, then style whole lines, so escape sequences do not
	// disturb the column widths.
	var aligned bytes.Buffer
	table := tabwriter.NewWriter(&aligned, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "LOCAL\tREMOTE\tACCEPTED\tACTIVE\tFAILED")
	for _, forwarding := range status.Forwardings {
		fmt.Fprintf(table, "%s\t%d\t%s\t%d\t%s\n",
			forwarding.Address,
			forwarding.Rule.RemotePort,
			humanize.Comma(int64(forwarding.Accepted)),
			forwarding.Active,
			humanize.Comma(int64(forwarding.Failed)),
		)
	}
	if err := table.Flush(); err != nil {
		return err
	}

	lines := strings.Split(strings.TrimSuffix(aligned.String(), "\n"), "\n")
	for index, line := range lines {
		switch {
		case index == 0:
			line = headerStyle.Render(line)
		case status.Forwardings[index-1].Failed > 0:
			line = failingStyle.Render(line)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
