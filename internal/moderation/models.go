package moderation

import (
	"encoding/json"
	"time"
)

// PostState is the moderation state of a post
type PostState string

const (
	PostStatePublished PostState = "published"
	PostStateFlagged   PostState = "flagged"
	PostStateHidden    PostState = "hidden"
	PostStateRemoved   PostState = "removed"
)

// AllPostStates returns every post state in lifecycle order
func AllPostStates() []PostState {
	return []PostState{
		PostStatePublished,
		PostStateFlagged,
		PostStateHidden,
		PostStateRemoved,
	}
}

// ActionKind is a moderation action that can be applied to a post
type ActionKind string

const (
	ActionFlag    ActionKind = "flag"
	ActionApprove ActionKind = "approve"
	ActionHide    ActionKind = "hide"
	ActionRemove  ActionKind = "remove"
)

// AllActionKinds returns all available action kinds
func AllActionKinds() []ActionKind {
	return []ActionKind{ActionFlag, ActionApprove, ActionHide, ActionRemove}
}

// ParseActionKind validates s as an action kind
func ParseActionKind(s string) (ActionKind, bool) {
	for _, k := range AllActionKinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// ContentCategory classifies moderated post content
type ContentCategory string

const (
	ContentSpam          ContentCategory = "spam"
	ContentHateSpeech    ContentCategory = "hateSpeech"
	ContentInappropriate ContentCategory = "inappropriateContent"
	ContentViolence      ContentCategory = "violence"
)

// AllContentCategories returns the content categories in display order
func AllContentCategories() []ContentCategory {
	return []ContentCategory{ContentSpam, ContentHateSpeech, ContentInappropriate, ContentViolence}
}

// ParseContentCategory validates s as a content category
func ParseContentCategory(s string) (ContentCategory, bool) {
	for _, c := range AllContentCategories() {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// FlagCategory classifies a flag raised against a user
type FlagCategory string

const (
	FlagSpam          FlagCategory = "spam"
	FlagHarassment    FlagCategory = "harassment"
	FlagFakeAccount   FlagCategory = "fakeAccount"
	FlagInappropriate FlagCategory = "inappropriateContent"
)

// ParseFlagCategory validates s as a user flag category
func ParseFlagCategory(s string) (FlagCategory, bool) {
	switch c := FlagCategory(s); c {
	case FlagSpam, FlagHarassment, FlagFakeAccount, FlagInappropriate:
		return c, true
	}
	return "", false
}

// Severity of a user flag. Severities are ordered low < medium < high < critical;
// the empty severity sorts below all of them.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the position of s in the severity ordering (0 for none)
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Max returns the higher of two severities
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// ParseSeverity validates s as a severity
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", false
	}
	return sev, true
}

// Post is the current moderation state of a post
type Post struct {
	ID           string    `json:"id"`
	State        PostState `json:"state"`
	Version      int64     `json:"version"`      // number of moderation actions applied
	LastActionAt time.Time `json:"lastActionAt"` // registration time until the first action
}

// ModerationAction is a recorded action against a post. Immutable once logged.
type ModerationAction struct {
	ID        string          `json:"id"` // TID
	Kind      ActionKind      `json:"action"`
	PostID    string          `json:"postId"`
	Reason    string          `json:"reason"`
	Category  ContentCategory `json:"category,omitempty"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	FromState PostState       `json:"fromState"`
	ToState   PostState       `json:"toState"`
	Version   int64           `json:"version"` // resulting post version
}

// User is the current flag state of a user
type User struct {
	ID            string          `json:"id"`
	Profile       json.RawMessage `json:"profile,omitempty"`
	FlagCount     int64           `json:"flagCount"`
	Severity      Severity        `json:"severity,omitempty"` // highest severity ever recorded
	LastFlaggedAt *time.Time      `json:"lastFlaggedAt,omitempty"`
	Version       int64           `json:"version"`
}

// UserFlag is a recorded flag against a user. Immutable once logged.
type UserFlag struct {
	ID        string       `json:"id"` // TID
	UserID    string       `json:"userId"`
	Reason    string       `json:"reason"`
	Category  FlagCategory `json:"category"`
	Severity  Severity     `json:"severity"`
	Actor     string       `json:"actor"`
	Timestamp time.Time    `json:"timestamp"`
	Version   int64        `json:"version"` // resulting user version
}

// EntryType tags the payload carried by an AuditEntry
type EntryType string

const (
	EntryModerationAction EntryType = "moderation_action"
	EntryUserFlag         EntryType = "user_flag"
	EntryPostRegistered   EntryType = "post_registered"
	EntryUserRegistered   EntryType = "user_registered"
)

// AuditEntry is one record of the audit log. Exactly one payload field is set,
// matching Type.
type AuditEntry struct {
	Sequence  uint64    `json:"sequence"`
	Type      EntryType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Action *ModerationAction `json:"action,omitempty"`
	Flag   *UserFlag         `json:"flag,omitempty"`
	Post   *Post             `json:"post,omitempty"`
	User   *User             `json:"user,omitempty"`
}

// NewActionEntry wraps a moderation action
func NewActionEntry(a ModerationAction) AuditEntry {
	return AuditEntry{Type: EntryModerationAction, Timestamp: a.Timestamp, Action: &a}
}

// NewFlagEntry wraps a user flag
func NewFlagEntry(f UserFlag) AuditEntry {
	return AuditEntry{Type: EntryUserFlag, Timestamp: f.Timestamp, Flag: &f}
}

// Validate checks that the payload matches the entry type
func (e AuditEntry) Validate() error {
	ok := false
	switch e.Type {
	case EntryModerationAction:
		ok = e.Action != nil && e.Flag == nil && e.Post == nil && e.User == nil
	case EntryUserFlag:
		ok = e.Flag != nil && e.Action == nil && e.Post == nil && e.User == nil
	case EntryPostRegistered:
		ok = e.Post != nil && e.Action == nil && e.Flag == nil && e.User == nil
	case EntryUserRegistered:
		ok = e.User != nil && e.Action == nil && e.Flag == nil && e.Post == nil
	}
	if !ok {
		return &EntryError{Sequence: e.Sequence, Type: e.Type}
	}
	return nil
}

// Timeframe selects the window of a stats query
type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
	TimeframeYear  Timeframe = "year"
	TimeframeAll   Timeframe = "all"
)

// ParseTimeframe validates s; an empty string selects the default (month)
func ParseTimeframe(s string) (Timeframe, bool) {
	switch tf := Timeframe(s); tf {
	case "":
		return TimeframeMonth, true
	case TimeframeDay, TimeframeWeek, TimeframeMonth, TimeframeYear, TimeframeAll:
		return tf, true
	}
	return "", false
}

// CategoryAll selects every content category in a stats query
const CategoryAll ContentCategory = "all"

// ParseStatsCategory validates s; an empty string selects the default (all)
func ParseStatsCategory(s string) (ContentCategory, bool) {
	if s == "" || s == string(CategoryAll) {
		return CategoryAll, true
	}
	return ParseContentCategory(s)
}

// StatsQuery describes a flagged-content statistics request
type StatsQuery struct {
	Timeframe Timeframe       `json:"timeframe" url:"timeframe,omitempty"`
	Category  ContentCategory `json:"category" url:"category,omitempty"`
}

// Categories expands the query category into the concrete categories to sum
func (q StatsQuery) Categories() []ContentCategory {
	if q.Category == "" || q.Category == CategoryAll {
		return AllContentCategories()
	}
	return []ContentCategory{q.Category}
}

// StatsWindow is the time window a stats query actually covered
type StatsWindow struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Granularity string    `json:"granularity"`
}

// FlaggedContentStats is the result of a stats query
type FlaggedContentStats struct {
	Timeframe    Timeframe                 `json:"timeframe"`
	Category     ContentCategory           `json:"category"`
	Total        int64                     `json:"total"`
	ByCategory   map[ContentCategory]int64 `json:"byCategory"`
	Window       StatsWindow               `json:"window"`
	AsOfSequence uint64                    `json:"asOfSequence"`
}
