// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Command bedrockgw serves the OpenAI-compatible gateway in front of the
// provider APIs. Configuration comes from the environment; see the config
// package for the full surface.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/aws-samples/bedrock-access-gateway/internal/version"
)

type (
	// cmd corresponds to the top-level `bedrockgw` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command to serve the gateway.
		Run cmdRun `cmd:"" help:"Run the gateway with configuration from the environment."`
		// Healthcheck is the sub-command used as the Docker HEALTHCHECK.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to `bedrockgw run`.
	cmdRun struct{}
	// cmdHealthcheck corresponds to `bedrockgw healthcheck`.
	cmdHealthcheck struct{}
)

type (
	runFn         func(context.Context, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, io.Writer) error
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck)
}

// doMain parses the command line and dispatches. The writers, exit function
// and command implementations are injectable for tests.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn,
	hf healthcheckFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("bedrockgw"),
		kong.Description("OpenAI-compatible gateway for Amazon Bedrock"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "bedrockgw: %s\n", version.Version)
	case "run":
		if err := rf(ctx, stdout, stderr); err != nil {
			log.Fatalf("Error running: %v", err)
		}
	case "healthcheck":
		if err := hf(ctx, stdout); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}
