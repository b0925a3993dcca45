package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"auditaai.io/ledger/config"
	"auditaai.io/ledger/model"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// env is what every command gets: the resolved configuration and a logger.
// The node is opened lazily, since some commands never touch the store.
type env struct {
	cfg config.Config
	log *slog.Logger
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	global := flag.NewFlagSet("benledger", flag.ContinueOnError)
	global.SetOutput(errOut)
	configPath := global.String("config", os.Getenv("LEDGER_CONFIG"), "JSON config file")
	logLevel := global.String("log-level", "info", "debug|info|warn|error")
	envFile := global.String("env-file", "", "load LEDGER_* variables from a dotenv file")
	global.Usage = func() { printUsage(errOut) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	args = global.Args()
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}
	switch args[0] {
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(errOut, "invalid --log-level %q\n", *logLevel)
		return 2
	}
	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			fmt.Fprintln(errOut, err)
			return 2
		}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 2
	}
	e := env{
		cfg: cfg,
		log: slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "clock":
		return cmdClock(ctx, e, args[1:], out, errOut)
	case "emit":
		return cmdEmit(ctx, e, args[1:], out, errOut)
	case "receipt":
		return cmdReceipt(ctx, e, args[1:], out, errOut)
	case "verify":
		return cmdVerify(ctx, e, args[1:], out, errOut)
	case "witness":
		return cmdWitness(ctx, e, args[1:], out, errOut)
	case "handoff":
		return cmdHandoff(ctx, e, args[1:], out, errOut)
	case "archive":
		return cmdArchive(ctx, e, args[1:], out, errOut)
	case "serve":
		return cmdServe(ctx, e, args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "benledger: verifiable event ledger CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  benledger [--config <file>] [--env-file <file>] [--log-level <lvl>] <command> ...")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  benledger clock current|tick|state|check")
	fmt.Fprintln(w, "  benledger clock reserve -n <count>")
	fmt.Fprintln(w, "  benledger clock encode [--lamport <n> --wall <RFC3339> --node <id>] [--wire]")
	fmt.Fprintln(w, "  benledger clock decode [--wire] <timestamp>")
	fmt.Fprintln(w, "  benledger clock sync (--remote <timestamp> | --remote-wire <base64>)")
	fmt.Fprintln(w, "  benledger emit --type <TYPE> [--payload <json>] [--scope <s>] [--witness <model>]")
	fmt.Fprintln(w, "  benledger receipt show <id>")
	fmt.Fprintln(w, "  benledger receipt history [-n <limit>]")
	fmt.Fprintln(w, "  benledger verify (--id <receipt id> | --chain)")
	fmt.Fprintln(w, "  benledger witness request --digest <hex> --model <name>")
	fmt.Fprintln(w, "  benledger witness verify <witness id>")
	fmt.Fprintln(w, "  benledger witness consensus --receipt <id> [--models a,b,c]")
	fmt.Fprintln(w, "  benledger witness stats|log")
	fmt.Fprintln(w, "  benledger handoff initiate --from <track> --to <track> [--payload <json>] [--trace <id>] [--actor <a>]")
	fmt.Fprintln(w, "  benledger handoff transit|show <id>")
	fmt.Fprintln(w, "  benledger handoff complete <id> [--result <json>]")
	fmt.Fprintln(w, "  benledger handoff fail <id> --reason <text>")
	fmt.Fprintln(w, "  benledger handoff cycle [--analysis <json>] [--directive <json>] [--trace <id>] [--actor <a>]")
	fmt.Fprintln(w, "  benledger handoff trace <trace id>")
	fmt.Fprintln(w, "  benledger handoff sweep|stats")
	fmt.Fprintln(w, "  benledger archive export --out <file.tar>")
	fmt.Fprintln(w, "  benledger archive rebuild|chain|names")
	fmt.Fprintln(w, "  benledger serve [--interval <d>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - tracks: ANALYSIS, GOVERNANCE, EXECUTION; legal legs are A->G, G->E, E->G")
	fmt.Fprintln(w, "  - the memory store lives for one invocation; use store.driver=postgres to persist")
	fmt.Fprintln(w, "  - settings can be overridden with LEDGER_* environment variables")
	fmt.Fprintln(w, "  - results are printed as JSON to stdout; logs go to stderr")
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseObject decodes a JSON object flag value; empty means nil.
func parseObject(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	return m, nil
}

// exitCode maps an error to the CLI's exit status: 1 for runtime and
// integrity failures, 3 when the target does not exist.
func exitCode(errOut io.Writer, what string, err error) int {
	fmt.Fprintf(errOut, "%s: %v\n", what, err)
	if rule := model.RuleID(err); rule != "" {
		fmt.Fprintf(errOut, "rule: %s\n", rule)
	}
	if model.IsKind(err, model.KindNotFound) {
		return 3
	}
	return 1
}

func newFlagSet(name string, errOut io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	return fs
}

// parseInterleaved parses flags that may follow positional arguments, as in
// "handoff complete <id> --result {...}".
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}
