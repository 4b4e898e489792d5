package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"modengine/internal/archive"
	"modengine/internal/database"
	"modengine/internal/moderation"
	"modengine/internal/stats"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// storeFlags are shared by commands that open a local store
type storeFlags struct {
	driver      string
	path        string
	redisAddr   string
	redisPrefix string
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.driver, "driver", os.Getenv("MODENGINE_DB_DRIVER"), "database driver (bolt or sqlite)")
	fs.StringVar(&f.path, "db", os.Getenv("MODENGINE_DB_PATH"), "database path (default under $XDG_DATA_HOME/modengine)")
	fs.StringVar(&f.redisAddr, "redis", os.Getenv("MODENGINE_REDIS_ADDR"), "redis address for stats counters (memory when empty)")
	fs.StringVar(&f.redisPrefix, "redis-prefix", os.Getenv("MODENGINE_REDIS_PREFIX"), "redis key prefix")
}

// openEngine opens the store and stats backend named by the flags.
// The returned function closes both.
func (f *storeFlags) openEngine(ctx context.Context) (*moderation.Engine, func(), error) {
	driver, err := database.ParseDriver(f.driver)
	if err != nil {
		return nil, nil, err
	}
	path := f.path
	if path == "" {
		if path, err = database.DefaultPath(driver); err != nil {
			return nil, nil, err
		}
	}

	store, err := database.Open(driver, path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s database at %s: %w", driver, path, err)
	}
	log.Debug().Str("driver", string(driver)).Str("path", path).Msg("Database opened")

	var counters stats.Counters = stats.NewMemoryCounters()
	closeAll := func() { store.Close() }

	if f.redisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: f.redisAddr})
		rc := stats.NewRedisCounters(client, f.redisPrefix)
		if err := rc.Ping(ctx, defaultTimeout); err != nil {
			client.Close()
			store.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", f.redisAddr, err)
		}
		counters = rc
		closeAll = func() {
			client.Close()
			store.Close()
		}
	}

	return moderation.NewEngine(store, stats.New(counters), moderation.Options{}), closeAll, nil
}

// seedFile lists the posts and users to register
type seedFile struct {
	Posts []string `json:"posts"`
	Users []struct {
		ID      string          `json:"id"`
		Profile json.RawMessage `json:"profile,omitempty"`
	} `json:"users"`
}

type seedReport struct {
	PostsRegistered int `json:"postsRegistered"`
	UsersRegistered int `json:"usersRegistered"`
	Skipped         int `json:"skipped"`
}

func runSeed(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: seed takes exactly one file", errUsage)
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing seed file %s: %w", fs.Arg(0), err)
	}

	engine, closeEngine, err := sf.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	var report seedReport
	for _, id := range seed.Posts {
		_, err := engine.RegisterPost(ctx, id)
		switch {
		case errors.Is(err, moderation.ErrAlreadyExists):
			log.Warn().Str("post_id", id).Msg("Post already registered, skipping")
			report.Skipped++
		case err != nil:
			return fmt.Errorf("registering post %s: %w", id, err)
		default:
			report.PostsRegistered++
		}
	}
	for _, u := range seed.Users {
		_, err := engine.RegisterUser(ctx, u.ID, u.Profile)
		switch {
		case errors.Is(err, moderation.ErrAlreadyExists):
			log.Warn().Str("user_id", u.ID).Msg("User already registered, skipping")
			report.Skipped++
		case err != nil:
			return fmt.Errorf("registering user %s: %w", u.ID, err)
		default:
			report.UsersRegistered++
		}
	}

	return printJSON(out, report)
}

func runReplay(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, closeEngine, err := sf.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	report, err := engine.Rebuild(ctx)
	if err != nil {
		return err
	}
	log.Info().Uint64("entries", report.Entries).Uint64("sequence", report.Sequence).Msg("Replay complete")
	return printJSON(out, report)
}

// errDiverged is returned by verify when projections do not match the audit log
var errDiverged = errors.New("projections diverge from audit log")

func runVerify(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, closeEngine, err := sf.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	diffs, err := engine.Verify(ctx)
	if err != nil {
		return err
	}
	for _, d := range diffs {
		fmt.Fprintln(out, d)
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%w: %d differences", errDiverged, len(diffs))
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func runExport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	var sf storeFlags
	sf.register(fs)
	from := fs.Uint64("from", 1, "first sequence number to export")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: export takes exactly one file", errUsage)
	}

	engine, closeEngine, err := sf.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	f, err := os.Create(fs.Arg(0))
	if err != nil {
		return err
	}
	n, err := archive.Export(ctx, engine.Store(), f, *from)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "exported %d entries to %s\n", n, fs.Arg(0))
	return nil
}

func runImport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	var sf storeFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: import takes exactly one file", errUsage)
	}

	engine, closeEngine, err := sf.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := archive.Import(ctx, engine.Store(), f)
	if err != nil {
		return err
	}
	// Imported entries bypass the aggregator
	if _, err := engine.CatchUpStats(ctx); err != nil {
		return fmt.Errorf("catching up stats: %w", err)
	}

	fmt.Fprintf(out, "imported %d entries from %s\n", n, fs.Arg(0))
	return nil
}

func runAudit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	var sf storeFlags
	sf.register(fs)
	from := fs.Uint64("from", 1, "first sequence number to print")
	limit := fs.Int("limit", 0, "maximum number of entries (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, closeEngine, err := sf.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	enc := json.NewEncoder(out)
	printed := 0
	for entry, err := range engine.Store().ReadFrom(ctx, *from) {
		if err != nil {
			return err
		}
		if *limit > 0 && printed >= *limit {
			break
		}
		if err := enc.Encode(entry); err != nil {
			return err
		}
		printed++
	}
	return nil
}
