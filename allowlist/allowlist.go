// Package allowlist maintains the moderator allowlist: a set of identifiers
// loaded from a flat file and cached with its own TTL. The file is
// newline-delimited; blank lines and #-comment lines are skipped; entries
// match case-insensitively.
package allowlist

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/image-cache/telemetry"
)

// DefaultTTL is how long a loaded set is served before the backing file is
// re-read.
const DefaultTTL = 5 * time.Minute

// Store caches the allowlist in memory. All access goes through one mutex;
// the set is replaced wholesale on reload, never mutated in place.
type Store struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	members     map[string]struct{}
	refreshedAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long a loaded set stays fresh.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger for reload events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow overrides the clock, for testing freshness behavior.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store backed by the file at path. The file is first read on
// first use, not at construction, so a missing file surfaces as an empty
// list rather than a startup failure.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		ttl:     DefaultTTL,
		logger:  slog.Default(),
		now:     time.Now,
		members: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Normalize returns the canonical form of an identifier: trimmed and
// lower-cased. Membership is decided on normalized values only.
func Normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// IsMember reports whether id is on the allowlist, reloading the backing
// file first when the cached set has gone stale.
func (s *Store) IsMember(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureFreshLocked()
	_, ok := s.members[Normalize(id)]
	return ok
}

// Members returns a sorted snapshot of the allowlist, reloading first when
// the cached set has gone stale.
func (s *Store) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureFreshLocked()
	return s.membersLocked()
}

// Reload re-reads the backing file immediately and returns the resulting
// set, sorted. A read failure never propagates: it is logged, the previous
// set stays in place, and the freshness clock is left unreset so the next
// access retries the file.
func (s *Store) Reload() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reloadLocked()
	return s.membersLocked()
}

func (s *Store) ensureFreshLocked() {
	if !s.refreshedAt.IsZero() && s.now().Sub(s.refreshedAt) < s.ttl {
		return
	}
	s.reloadLocked()
}

func (s *Store) reloadLocked() {
	set, err := readListFile(s.path)
	if err != nil {
		s.logger.Warn("allowlist reload failed, keeping previous set",
			"path", s.path,
			"members", len(s.members),
			"error", err,
		)
		telemetry.RecordAllowlistReload(context.Background(), "error", len(s.members))
		return
	}

	s.members = set
	s.refreshedAt = s.now()
	s.logger.Debug("allowlist reloaded", "path", s.path, "members", len(set))
	telemetry.RecordAllowlistReload(context.Background(), "success", len(set))
}

func (s *Store) membersLocked() []string {
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func readListFile(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[Normalize(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}
