package moderation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Policy holds the tunable business rules of the engine
type Policy struct {
	// MaxAttempts bounds optimistic retries of a single Moderate call
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// ApproveFromHidden allows approve to return a hidden post to published
	ApproveFromHidden bool `json:"approve_from_hidden" yaml:"approve_from_hidden"`

	// QueryTimeout is the deadline applied to stats queries
	QueryTimeout Duration `json:"query_timeout" yaml:"query_timeout"`

	// TerminalSeverity, when set, rejects further flags against users whose
	// watermark has reached it. Empty means users never become terminal.
	TerminalSeverity Severity `json:"terminal_severity,omitempty" yaml:"terminal_severity,omitempty"`
}

// DefaultPolicy returns the policy used when no policy file is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		ApproveFromHidden: true,
		QueryTimeout:      Duration(2 * time.Second),
	}
}

// Validate checks that the policy is usable
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return &PolicyError{Field: "max_attempts", Message: "must be at least 1"}
	}
	if p.QueryTimeout < 0 {
		return &PolicyError{Field: "query_timeout", Message: "must not be negative"}
	}
	if p.TerminalSeverity != SeverityNone {
		if _, ok := ParseSeverity(string(p.TerminalSeverity)); !ok {
			return &PolicyError{Field: "terminal_severity", Message: "unknown severity: " + string(p.TerminalSeverity)}
		}
	}
	return nil
}

// PolicyError represents a policy validation error
type PolicyError struct {
	Field   string
	Message string
}

func (e *PolicyError) Error() string {
	return "moderation policy error in " + e.Field + ": " + e.Message
}

// Duration is a time.Duration that reads as a Go duration string ("1500ms")
// in JSON and YAML policy files.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.set(value.Value)
}

func (d *Duration) set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// PolicyProvider supplies the current policy to the engine
type PolicyProvider interface {
	Policy() Policy
}

// StaticPolicy is a PolicyProvider that never changes
type StaticPolicy Policy

func (p StaticPolicy) Policy() Policy { return Policy(p) }

// PolicyService loads the engine policy from a JSON or YAML file and
// supports reloading it at runtime.
type PolicyService struct {
	mu     sync.RWMutex
	policy Policy
	path   string
}

// NewPolicyService creates a policy service.
// If path is empty or the file does not exist, the default policy is used.
func NewPolicyService(path string) (*PolicyService, error) {
	s := &PolicyService{
		path:   path,
		policy: DefaultPolicy(),
	}

	if path == "" {
		log.Info().Msg("moderation: no policy path provided, using defaults")
		return s, nil
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load moderation policy: %w", err)
	}

	return s, nil
}

// load reads and parses the policy file
func (s *PolicyService) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", s.path).Msg("moderation: policy file not found, using defaults")
			return nil
		}
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	// Unset fields keep their defaults
	policy := DefaultPolicy()
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &policy)
	default:
		err = json.Unmarshal(data, &policy)
	}
	if err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()

	log.Info().
		Int("max_attempts", policy.MaxAttempts).
		Bool("approve_from_hidden", policy.ApproveFromHidden).
		Dur("query_timeout", time.Duration(policy.QueryTimeout)).
		Str("terminal_severity", string(policy.TerminalSeverity)).
		Str("path", s.path).
		Msg("moderation: policy loaded")

	return nil
}

// Reload reloads the policy from disk. On error the previous policy stays active.
func (s *PolicyService) Reload() error {
	if s.path == "" {
		return nil
	}
	return s.load()
}

// Policy returns a copy of the current policy
func (s *PolicyService) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}
