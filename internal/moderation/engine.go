package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modengine/internal/metrics"
	"modengine/internal/tracing"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ActorSystem is recorded as the actor when a request carries no identity
const ActorSystem = "system"

// ModerateRequest is the input of Engine.Moderate
type ModerateRequest struct {
	Action   ActionKind
	Reason   string
	Category ContentCategory // required when Action is flag
	Actor    string
}

func (r ModerateRequest) validate() error {
	if _, ok := ParseActionKind(string(r.Action)); !ok {
		return invalidRequest("unknown action: " + string(r.Action))
	}
	if strings.TrimSpace(r.Reason) == "" {
		return invalidRequest("reason is required")
	}
	if r.Category != "" {
		if _, ok := ParseContentCategory(string(r.Category)); !ok {
			return invalidRequest("unknown category: " + string(r.Category))
		}
	} else if r.Action == ActionFlag {
		return invalidRequest("category is required when flagging")
	}
	return nil
}

// ModerationResult is the outcome of a successful Engine.Moderate
type ModerationResult struct {
	Post     Post             `json:"post"`
	Action   ModerationAction `json:"action"`
	Sequence uint64           `json:"sequence"`
}

// FlagRequest is the input of Engine.FlagUser
type FlagRequest struct {
	Reason   string
	Category FlagCategory
	Severity Severity
	Actor    string
}

func (r FlagRequest) validate() error {
	if strings.TrimSpace(r.Reason) == "" {
		return invalidRequest("reason is required")
	}
	if _, ok := ParseFlagCategory(string(r.Category)); !ok {
		return invalidRequest("unknown category: " + string(r.Category))
	}
	if _, ok := ParseSeverity(string(r.Severity)); !ok {
		return invalidRequest("unknown severity: " + string(r.Severity))
	}
	return nil
}

// FlagResult is the outcome of a successful Engine.FlagUser
type FlagResult struct {
	User     User     `json:"user"`
	Flag     UserFlag `json:"flag"`
	Sequence uint64   `json:"sequence"`
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Policy PolicyProvider
	Now    func() time.Time
	NewID  func() string
}

// Engine applies moderation actions and user flags. It validates legality against
// current state, writes the audit log and projections as one unit of work, and
// feeds committed entries to the stats aggregator. It holds no locks of its own.
type Engine struct {
	store  Store
	stats  Aggregator
	policy PolicyProvider
	now    func() time.Time
	newID  func() string
}

// NewEngine creates an engine over the given store and aggregator
func NewEngine(store Store, stats Aggregator, opts Options) *Engine {
	e := &Engine{
		store:  store,
		stats:  stats,
		policy: opts.Policy,
		now:    opts.Now,
		newID:  opts.NewID,
	}
	if e.policy == nil {
		e.policy = StaticPolicy(DefaultPolicy())
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		clock := syntax.NewTIDClock(0)
		e.newID = func() string { return clock.Next().String() }
	}
	return e
}

// Store returns the engine's store for read-only consumers such as the audit feed
func (e *Engine) Store() Store {
	return e.store
}

// GetPost returns the current state of a post
func (e *Engine) GetPost(ctx context.Context, id string) (Post, error) {
	return e.store.GetPost(ctx, id)
}

// GetUser returns the current flag state of a user
func (e *Engine) GetUser(ctx context.Context, id string) (User, error) {
	return e.store.GetUser(ctx, id)
}

// Moderate applies an action to a post. Version conflicts are retried from a fresh
// read up to Policy.MaxAttempts times (at least once) before failing with ErrContention.
func (e *Engine) Moderate(ctx context.Context, postID string, req ModerateRequest) (ModerationResult, error) {
	ctx, span := tracing.ModerateSpan(ctx, postID, string(req.Action))
	defer span.End()

	result, err := e.moderate(ctx, postID, req)
	tracing.EndWithError(span, err)
	metrics.ModerationActionsTotal.WithLabelValues(string(req.Action), resultLabel(err)).Inc()
	return result, err
}

func (e *Engine) moderate(ctx context.Context, postID string, req ModerateRequest) (ModerationResult, error) {
	if err := req.validate(); err != nil {
		return ModerationResult{}, err
	}
	if req.Actor == "" {
		req.Actor = ActorSystem
	}

	policy := e.policy.Policy()
	attempts := max(policy.MaxAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := e.tryModerate(ctx, postID, req, policy)
		if errors.Is(err, ErrVersionConflict) {
			metrics.OptimisticRetriesTotal.Inc()
			log.Debug().
				Str("post_id", postID).
				Str("action", string(req.Action)).
				Int("attempt", attempt).
				Msg("moderation: version conflict, retrying")
			continue
		}
		if err != nil {
			return ModerationResult{}, err
		}

		e.record(ctx, NewActionEntryWithSequence(result.Action, result.Sequence))

		log.Info().
			Str("post_id", postID).
			Str("action", string(result.Action.Kind)).
			Str("from", string(result.Action.FromState)).
			Str("to", string(result.Action.ToState)).
			Int64("version", result.Post.Version).
			Uint64("sequence", result.Sequence).
			Str("actor", result.Action.Actor).
			Msg("moderation: post moderated")

		return result, nil
	}

	metrics.ContentionTotal.Inc()
	log.Warn().
		Str("post_id", postID).
		Str("action", string(req.Action)).
		Int("attempts", attempts).
		Msg("moderation: retries exhausted")
	return ModerationResult{}, fmt.Errorf("moderate post %s after %d attempts: %w", postID, attempts, ErrContention)
}

// tryModerate performs one read-decide-commit round
func (e *Engine) tryModerate(ctx context.Context, postID string, req ModerateRequest, policy Policy) (ModerationResult, error) {
	post, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return ModerationResult{}, err
	}

	next, err := NextState(post.State, req.Action, policy)
	if err != nil {
		return ModerationResult{}, err
	}

	action := ModerationAction{
		ID:        e.newID(),
		Kind:      req.Action,
		PostID:    postID,
		Reason:    strings.TrimSpace(req.Reason),
		Category:  req.Category,
		Actor:     req.Actor,
		Timestamp: e.now().UTC(),
		FromState: post.State,
		ToState:   next,
		Version:   post.Version + 1,
	}

	var result ModerationResult
	err = e.store.Update(ctx, func(tx Tx) error {
		seq, err := tx.Append(NewActionEntry(action))
		if err != nil {
			return err
		}
		updated, err := tx.ApplyIfVersion(postID, post.Version, ApplyAction(post, action))
		if err != nil {
			return err
		}
		result = ModerationResult{Post: updated, Action: action, Sequence: seq}
		return nil
	})
	if err != nil {
		return ModerationResult{}, err
	}
	return result, nil
}

// FlagUser records a flag against a user. The severity watermark only escalates.
func (e *Engine) FlagUser(ctx context.Context, userID string, req FlagRequest) (FlagResult, error) {
	ctx, span := tracing.FlagSpan(ctx, userID, string(req.Severity))
	defer span.End()

	result, err := e.flagUser(ctx, userID, req)
	tracing.EndWithError(span, err)
	metrics.UserFlagsTotal.WithLabelValues(string(req.Severity), resultLabel(err)).Inc()
	return result, err
}

func (e *Engine) flagUser(ctx context.Context, userID string, req FlagRequest) (FlagResult, error) {
	if err := req.validate(); err != nil {
		return FlagResult{}, err
	}
	if req.Actor == "" {
		req.Actor = ActorSystem
	}
	policy := e.policy.Policy()

	var result FlagResult
	err := e.store.Update(ctx, func(tx Tx) error {
		user, err := tx.GetUser(userID)
		if err != nil {
			return err
		}
		if policy.TerminalSeverity != SeverityNone && user.Severity.Rank() >= policy.TerminalSeverity.Rank() {
			return fmt.Errorf("user %s is at %s severity: %w", userID, user.Severity, ErrInvalidTransition)
		}

		flag := UserFlag{
			ID:        e.newID(),
			UserID:    userID,
			Reason:    strings.TrimSpace(req.Reason),
			Category:  req.Category,
			Severity:  req.Severity,
			Actor:     req.Actor,
			Timestamp: e.now().UTC(),
			Version:   user.Version + 1,
		}

		seq, err := tx.Append(NewFlagEntry(flag))
		if err != nil {
			return err
		}
		updated, err := tx.RecordFlag(userID, flag)
		if err != nil {
			return err
		}
		result = FlagResult{User: updated, Flag: flag, Sequence: seq}
		return nil
	})
	if err != nil {
		return FlagResult{}, err
	}

	entry := NewFlagEntry(result.Flag)
	entry.Sequence = result.Sequence
	e.record(ctx, entry)

	log.Info().
		Str("user_id", userID).
		Str("category", string(result.Flag.Category)).
		Str("severity", string(result.Flag.Severity)).
		Str("watermark", string(result.User.Severity)).
		Int64("flag_count", result.User.FlagCount).
		Uint64("sequence", result.Sequence).
		Str("actor", result.Flag.Actor).
		Msg("moderation: user flagged")

	return result, nil
}

// RegisterPost creates a post in the published state at version 0
func (e *Engine) RegisterPost(ctx context.Context, id string) (Post, error) {
	if strings.TrimSpace(id) == "" {
		return Post{}, invalidRequest("post id is required")
	}

	now := e.now().UTC()
	post := Post{ID: id, State: PostStatePublished, LastActionAt: now}
	entry := AuditEntry{Type: EntryPostRegistered, Timestamp: now, Post: &post}

	err := e.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.GetPost(id); err == nil {
			return fmt.Errorf("post %s: %w", id, ErrAlreadyExists)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		seq, err := tx.Append(entry)
		if err != nil {
			return err
		}
		entry.Sequence = seq
		return tx.PutPost(post)
	})
	if err != nil {
		return Post{}, err
	}

	e.record(ctx, entry)
	log.Info().Str("post_id", id).Uint64("sequence", entry.Sequence).Msg("moderation: post registered")
	return post, nil
}

// RegisterUser creates a user with no flags. The profile payload is stored as given.
func (e *Engine) RegisterUser(ctx context.Context, id string, profile json.RawMessage) (User, error) {
	if strings.TrimSpace(id) == "" {
		return User{}, invalidRequest("user id is required")
	}
	if len(profile) > 0 && !json.Valid(profile) {
		return User{}, invalidRequest("profile must be valid JSON")
	}

	now := e.now().UTC()
	user := User{ID: id, Profile: profile}
	entry := AuditEntry{Type: EntryUserRegistered, Timestamp: now, User: &user}

	err := e.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.GetUser(id); err == nil {
			return fmt.Errorf("user %s: %w", id, ErrAlreadyExists)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		seq, err := tx.Append(entry)
		if err != nil {
			return err
		}
		entry.Sequence = seq
		return tx.PutUser(user)
	})
	if err != nil {
		return User{}, err
	}

	e.record(ctx, entry)
	log.Info().Str("user_id", id).Uint64("sequence", entry.Sequence).Msg("moderation: user registered")
	return user, nil
}

// Stats answers a flagged-content statistics query from the aggregator's counters.
// The query is bounded by Policy.QueryTimeout and fails with ErrTimeout past it.
func (e *Engine) Stats(ctx context.Context, q StatsQuery) (FlaggedContentStats, error) {
	tf, ok := ParseTimeframe(string(q.Timeframe))
	if !ok {
		return FlaggedContentStats{}, invalidRequest("unknown timeframe: " + string(q.Timeframe))
	}
	cat, ok := ParseStatsCategory(string(q.Category))
	if !ok {
		return FlaggedContentStats{}, invalidRequest("unknown category: " + string(q.Category))
	}
	q = StatsQuery{Timeframe: tf, Category: cat}

	ctx, span := tracing.StatsSpan(ctx, string(tf), string(cat))
	defer span.End()

	if timeout := time.Duration(e.policy.Policy().QueryTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	stats, err := e.stats.Query(ctx, q)
	metrics.StatsQueryDuration.WithLabelValues(string(tf)).Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("stats query %s/%s: %w", tf, cat, ErrTimeout)
	}
	tracing.EndWithError(span, err)
	return stats, err
}

// record feeds a committed entry to the aggregator. A failure here leaves the
// aggregator behind the log; it is logged and repaired by replay.
func (e *Engine) record(ctx context.Context, entry AuditEntry) {
	if err := e.stats.Record(ctx, entry); err != nil {
		metrics.ProjectionErrorsTotal.Inc()
		log.Error().
			Err(err).
			Uint64("sequence", entry.Sequence).
			Str("type", string(entry.Type)).
			Msg("moderation: stats aggregator failed to record entry, replay to repair")
	}
}

// NewActionEntryWithSequence wraps a committed moderation action
func NewActionEntryWithSequence(a ModerationAction, seq uint64) AuditEntry {
	entry := NewActionEntry(a)
	entry.Sequence = seq
	return entry
}

// CatchUpStats feeds the aggregator every entry after the last sequence it has seen.
// With an in-memory aggregator this replays the whole log.
func (e *Engine) CatchUpStats(ctx context.Context) (uint64, error) {
	from, err := e.stats.Sequence(ctx)
	if err != nil {
		return 0, err
	}

	var n uint64
	for entry, err := range e.store.ReadFrom(ctx, from+1) {
		if err != nil {
			return n, err
		}
		if err := e.stats.Record(ctx, entry); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RebuildReport summarizes an Engine.Rebuild run
type RebuildReport struct {
	Entries  uint64 `json:"entries"`
	Posts    int    `json:"posts"`
	Users    int    `json:"users"`
	Sequence uint64 `json:"sequence"`
}

// rebuildBatch is the number of entries projected per store transaction
const rebuildBatch = 256

// Rebuild discards all derived state and replays the audit log from sequence 1
// into the store's projections and the aggregator. It must not run concurrently
// with writers.
func (e *Engine) Rebuild(ctx context.Context) (RebuildReport, error) {
	ctx, span := tracing.Span(ctx, "moderation.rebuild")
	defer span.End()

	if err := e.store.ResetProjections(ctx); err != nil {
		tracing.EndWithError(span, err)
		return RebuildReport{}, err
	}
	if err := e.stats.Reset(ctx); err != nil {
		tracing.EndWithError(span, err)
		return RebuildReport{}, err
	}

	var report RebuildReport
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		batch := make([]AuditEntry, 0, rebuildBatch)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			err := e.store.Update(gctx, func(tx Tx) error {
				for _, entry := range batch {
					if err := ProjectEntry(tx, entry); err != nil {
						return err
					}
				}
				return nil
			})
			batch = batch[:0]
			return err
		}

		for entry, err := range e.store.ReadFrom(gctx, 1) {
			if err != nil {
				return err
			}
			batch = append(batch, entry)
			report.Entries++
			report.Sequence = entry.Sequence
			if len(batch) == rebuildBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	g.Go(func() error {
		_, err := e.CatchUpStats(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		tracing.EndWithError(span, err)
		return RebuildReport{}, fmt.Errorf("rebuild: %w", err)
	}

	posts, err := e.store.ListPosts(ctx)
	if err != nil {
		return RebuildReport{}, err
	}
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return RebuildReport{}, err
	}
	report.Posts = len(posts)
	report.Users = len(users)

	log.Info().
		Uint64("entries", report.Entries).
		Int("posts", report.Posts).
		Int("users", report.Users).
		Uint64("sequence", report.Sequence).
		Msg("moderation: projections rebuilt from audit log")

	return report, nil
}

// Verify replays the audit log in memory and compares the result with the
// store's live projections. It returns one line per mismatch.
func (e *Engine) Verify(ctx context.Context) ([]string, error) {
	snap, err := Replay(ctx, e.store)
	if err != nil {
		return nil, err
	}
	posts, err := e.store.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Diff(posts, users), nil
}

// CountPostsByState returns the number of posts in each state. Every state is present.
func (e *Engine) CountPostsByState(ctx context.Context) (map[string]int, error) {
	posts, err := e.store.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(AllPostStates()))
	for _, s := range AllPostStates() {
		counts[string(s)] = 0
	}
	for _, p := range posts {
		counts[string(p.State)]++
	}
	return counts, nil
}

// CountUsersBySeverity returns the number of users at each severity watermark.
// Users that were never flagged are counted under "none".
func (e *Engine) CountUsersBySeverity(ctx context.Context) (map[string]int, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{"none": 0}
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		counts[string(s)] = 0
	}
	for _, u := range users {
		if u.Severity == SeverityNone {
			counts["none"]++
			continue
		}
		counts[string(u.Severity)]++
	}
	return counts, nil
}

// StatsSequence returns the highest sequence the aggregator has recorded
func (e *Engine) StatsSequence(ctx context.Context) (uint64, error) {
	return e.stats.Sequence(ctx)
}

// resultLabel maps an engine error to a bounded metric label
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
