package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/securepickle/pkg/config"
	"github.com/Mindburn-Labs/securepickle/pkg/envelope"
	"github.com/Mindburn-Labs/securepickle/pkg/keystore"
	"github.com/Mindburn-Labs/securepickle/pkg/observability"
	"github.com/Mindburn-Labs/securepickle/pkg/securepickle"

	_ "github.com/lib/pq"   // Postgres keystore driver
	_ "modernc.org/sqlite" // SQLite keystore driver
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

// stdin is a variable to allow substitution in tests.
var stdin io.Reader = os.Stdin

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = verification failed (bad signature, policy rejection, throttled)
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "rotate":
		return runRotateCmd(args[2:], stdout, stderr)
	case "put":
		return runPutCmd(args[2:], stdout, stderr)
	case "get":
		return runGetCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "securepickle %s (format %s, primitives: %s)\n",
			version, envelope.DefaultVersion, strings.Join(envelope.Primitives(), ", "))
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: securepickle <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	for _, c := range [][2]string{
		{"sign", "Wrap stdin (or --in) in a signed envelope"},
		{"verify", "Verify an envelope and write its payload"},
		{"inspect", "Print the framing fields of an envelope without a key"},
		{"keygen", "Generate a random key"},
		{"rotate", "Activate a new key in the configured keystore"},
		{"put", "Sign stdin and store it in the blob store"},
		{"get", "Fetch, verify and write a stored envelope"},
		{"version", "Print version information"},
	} {
		_, _ = fmt.Fprintf(w, "  %-8s %s\n", c[0], c[1])
	}
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration: --config <file> or SECUREPICKLE_CONFIG, overridden by SECUREPICKLE_* variables.")
}

// env is the per-command runtime assembled from configuration.
type env struct {
	cfg     *config.Config
	obs     *observability.Provider
	keys    keystore.KeyStore
	pickler *securepickle.Pickler[[]byte]
	logger  *slog.Logger
	closers []func() error
}

func (e *env) Close(ctx context.Context) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.WarnContext(ctx, "close failed", "error", err)
		}
	}
}

// configFlag registers the common --config flag.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("SECUREPICKLE_CONFIG"), "Path to YAML configuration")
}

// setup loads configuration, installs the logger and builds a Pickler over
// the configured keystore. codecName overrides the configured codec when set.
func setup(ctx context.Context, configPath, codecName string, stderr io.Writer) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger.With("component", "cli")}

	e.obs, err = observability.New(ctx, cfg.ObservabilityConfig())
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error { return e.obs.Shutdown(context.Background()) })

	keys, closeKeys, err := cfg.OpenKeyStore(ctx)
	if err != nil {
		e.Close(ctx)
		return nil, err
	}
	e.keys = keys
	e.closers = append(e.closers, closeKeys)

	if codecName == "" {
		codecName = cfg.Codec
	}
	c, err := payloadCodec(codecName)
	if err != nil {
		e.Close(ctx)
		return nil, err
	}
	opts, err := cfg.PicklerOptions(e.obs)
	if err != nil {
		e.Close(ctx)
		return nil, err
	}
	e.pickler, err = securepickle.New(c, keys, opts...)
	if err != nil {
		e.Close(ctx)
		return nil, err
	}
	return e, nil
}

// exitCode maps a load failure onto the CLI exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, envelope.ErrInvalidSignature),
		errors.Is(err, securepickle.ErrPolicy),
		errors.Is(err, securepickle.ErrThrottled):
		return 1
	default:
		return 2
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, stdout io.Writer, data []byte) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0600)
}
