package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"modengine/internal/client"
	"modengine/internal/middleware"
	"modengine/internal/moderation"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 10 * time.Second

// serverFlags are shared by commands that talk to a running server
type serverFlags struct {
	url   string
	token string
}

func (f *serverFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.url, "server", envOr("MODENGINE_URL", "http://localhost:18920"), "server base URL")
	fs.StringVar(&f.token, "token", os.Getenv("MODENGINE_TOKEN"), "bearer token")
}

func (f *serverFlags) newClient() *client.Client {
	return client.New(f.url, f.token)
}

func runStats(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	var srv serverFlags
	srv.register(fs)
	timeframe := fs.String("timeframe", "", "day, week, month, year or all (default month)")
	category := fs.String("category", "", "content category or all (default all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := srv.newClient().Stats(ctx, moderation.StatsQuery{
		Timeframe: moderation.Timeframe(*timeframe),
		Category:  moderation.ContentCategory(*category),
	})
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

func runModerate(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("moderate", flag.ContinueOnError)
	var srv serverFlags
	srv.register(fs)
	action := fs.String("action", "", "flag, approve, hide or remove")
	reason := fs.String("reason", "", "reason recorded in the audit log")
	category := fs.String("category", "", "content category (required for flag)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: moderate takes exactly one post id", errUsage)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := srv.newClient().Moderate(ctx, fs.Arg(0), client.ModerateInput{
		Action:   moderation.ActionKind(*action),
		Reason:   *reason,
		Category: moderation.ContentCategory(*category),
	})
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

func runTail(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	var srv serverFlags
	srv.register(fs)
	cursor := fs.Uint64("cursor", 0, "first sequence number to receive (0 for new entries only)")
	compress := fs.Bool("compress", false, "request zstd-compressed frames")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sub, err := srv.newClient().Subscribe(*cursor, *compress)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	err = sub.Run(ctx, func(entry moderation.AuditEntry) error {
		return enc.Encode(entry)
	})

	log.Info().Int64("received", sub.Received()).Uint64("cursor", sub.Cursor()).Msg("Tail stopped")
	return err
}

func runToken(_ context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("MODENGINE_JWT_SECRET"), "HS256 signing secret")
	subject := fs.String("subject", "", "moderator id recorded as the acting user")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("a signing secret is required (-secret or MODENGINE_JWT_SECRET)")
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}

	token, err := middleware.IssueToken([]byte(*secret), *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
