package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/securepickle/pkg/envelope"
)

// runSignCmd implements `securepickle sign`.
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	in := cmd.String("in", "-", "Payload file (- for stdin)")
	out := cmd.String("out", "-", "Envelope file (- for stdout)")
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

	payload, err := readInput(*in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read payload: %v\n", err)
		return 2
	}
	wire, err := e.pickler.Dumps(ctx, payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: sign: %v\n", err)
		return 2
	}
	if err := writeOutput(*out, stdout, wire); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write envelope: %v\n", err)
		return 2
	}
	return 0
}

// runVerifyCmd implements `securepickle verify`.
//
// Exit codes:
//
//	0 = signature valid, payload written
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	in := cmd.String("in", "-", "Envelope file (- for stdin)")
	out := cmd.String("out", "-", "Payload file (- for stdout)")
	codecName := cmd.String("codec", "", "Payload codec: gob (opaque), json, yaml")
	quiet := cmd.Bool("q", false, "Verify only; do not write the payload")
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

	wire, err := readInput(*in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read envelope: %v\n", err)
		return 2
	}
	payload, err := e.pickler.Loads(ctx, wire)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	if *quiet {
		return 0
	}
	if err := writeOutput(*out, stdout, payload); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write payload: %v\n", err)
		return 2
	}
	return 0
}

type inspectReport struct {
	Header      string `json:"header"`
	Version     string `json:"version"`
	Primitive   string `json:"primitive"`
	Supported   bool   `json:"supported"`
	Signature   string `json:"signature"`
	PayloadSize int    `json:"payload_size"`
}

// runInspectCmd implements `securepickle inspect`. No key is needed and the
// payload is never printed.
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	in := cmd.String("in", "-", "Envelope file (- for stdin)")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	wire, err := readInput(*in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read envelope: %v\n", err)
		return 2
	}
	frame, err := envelope.Parse(wire)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	report := inspectReport{
		Header:      string(frame.Header),
		Version:     string(frame.Version),
		Primitive:   string(frame.Primitive),
		Supported:   envelope.Supported(string(frame.Primitive)),
		Signature:   string(frame.Signature),
		PayloadSize: frame.PayloadSize,
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return 2
		}
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "header:       %s\n", report.Header)
	_, _ = fmt.Fprintf(stdout, "version:      %s\n", report.Version)
	_, _ = fmt.Fprintf(stdout, "primitive:    %s (supported: %t)\n", report.Primitive, report.Supported)
	_, _ = fmt.Fprintf(stdout, "signature:    %s\n", report.Signature)
	_, _ = fmt.Fprintf(stdout, "payload_size: %d\n", report.PayloadSize)
	return 0
}
