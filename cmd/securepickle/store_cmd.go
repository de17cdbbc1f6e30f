package main

import (
	"context"
	"flag"
	"fmt"
	"io"
)

// runPutCmd implements `securepickle put`: signs the payload, stores the
// envelope and prints its reference.
func runPutCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("put", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	in := cmd.String("in", "-", "Payload file (- for stdin)")
	codecName := cmd.String("codec", "", "Payload codec: gob (opaque), json, yaml")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, *codecName, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close(ctx)

	store, err := e.cfg.OpenBlobStore(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	payload, err := readInput(*in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read payload: %v\n", err)
		return 2
	}
	ref, err := e.pickler.Put(ctx, store, payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, ref)
	return 0
}

// runGetCmd implements `securepickle get <ref>`.
func runGetCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("get", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	out := cmd.String("out", "-", "Payload file (- for stdout)")
	codecName := cmd.String("codec", "", "Payload codec: gob (opaque), json, yaml")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: securepickle get [flags] <ref>")
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, *codecName, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close(ctx)

	store, err := e.cfg.OpenBlobStore(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	payload, err := e.pickler.Get(ctx, store, cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	if err := writeOutput(*out, stdout, payload); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write payload: %v\n", err)
		return 2
	}
	return 0
}
