// Command modctl administers a moderation engine: it seeds, replays, verifies
// and archives a local store, and talks to a running server over its API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `Usage: modctl <command> [flags]

Local store commands:
  seed <file.json>   register posts and users listed in a seed file
  replay             rebuild projections and stats from the audit log
  verify             compare live projections against a replay of the audit log
  export <file>      write the audit log as a zstd-compressed archive
  import <file>      load an archive into an empty store
  audit              print audit log entries

Server commands:
  stats              query flagged content statistics
  moderate <post>    apply a moderation action to a post
  tail               follow the audit log over a websocket

Other:
  token              issue a bearer token for a moderator

Run "modctl <command> -h" for command flags.
`

type command func(ctx context.Context, args []string, out io.Writer) error

var commands = map[string]command{
	"seed":     runSeed,
	"replay":   runReplay,
	"verify":   runVerify,
	"export":   runExport,
	"import":   runImport,
	"audit":    runAudit,
	"stats":    runStats,
	"moderate": runModerate,
	"tail":     runTail,
	"token":    runToken,
}

// errUsage is returned for an unknown or missing command
var errUsage = errors.New("usage")

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if os.Getenv("LOG_LEVEL") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Error().Err(err).Msg("modctl failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	return cmd(ctx, args[1:], out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
