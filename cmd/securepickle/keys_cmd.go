package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/securepickle/pkg/keystore"
)

// runKeygenCmd implements `securepickle keygen`: prints a key in the form
// accepted by SECUREPICKLE_KEY.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	size := cmd.Int("size", keystore.DefaultKeySize, "Key size in bytes")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *size < 16 {
		_, _ = fmt.Fprintln(stderr, "Error: --size must be at least 16")
		return 2
	}

	key, err := keystore.Generate(*size)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer clear(key)
	_, _ = fmt.Fprintln(stdout, keystore.EncodeKey(key))
	return 0
}

// runRotateCmd implements `securepickle rotate` for keystores that retain
// history (file, sql) and for redis, where the previous key is overwritten.
func runRotateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rotate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := configFlag(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	e, err := setup(ctx, *configPath, "", stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close(ctx)

	switch ks := e.keys.(type) {
	case *keystore.File:
		v, err := ks.Rotate()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "active version %d (%s)\n", v, ks.ActiveID())
	case *keystore.SQL:
		id, err := ks.Rotate(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "active key %s\n", id)
	case *keystore.Redis:
		key, err := keystore.Generate(keystore.DefaultKeySize)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer clear(key)
		if err := ks.Set(ctx, key); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		e.logger.WarnContext(ctx, "redis keystore keeps no history; envelopes signed with the previous key no longer verify")
		_, _ = fmt.Fprintln(stdout, "redis key replaced")
	default:
		_, _ = fmt.Fprintf(stderr, "Error: keystore %q cannot be rotated\n", e.cfg.KeyStore.Type)
		return 2
	}
	return 0
}
