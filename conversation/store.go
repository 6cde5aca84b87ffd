package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"

	"voicegate/core"
	"voicegate/metrics"
)

const (
	DefaultTTL              = 30 * time.Minute
	DefaultEvictionInterval = 60 * time.Second
	DefaultMaxTurnChars     = 100000
	DefaultSession          = "default"
	DefaultReapSchedule     = "@every 1m"
	DefaultFlushSchedule    = "@every 5s"
)

// Options configures a Store. Budgeter is required; zero values elsewhere
// take the defaults above.
type Options struct {
	TTL              time.Duration
	EvictionInterval time.Duration
	MaxTurnChars     int
	Budgeter         *Budgeter
	Persister        Persister
	Clock            core.Clock
	Logger           *core.Logger
	Metrics          *metrics.Metrics

	// ReapSchedule and FlushSchedule are cron specs for the background
	// jobs started by Start. An empty FlushSchedule uses the default; the
	// flusher is skipped entirely when no Persister is configured.
	ReapSchedule  string
	FlushSchedule string
}

// Stats is a read-only view of one conversation's size.
type Stats struct {
	Turns  int     `json:"turns"`
	Tokens int     `json:"tokens"`
	Usage  float64 `json:"usage"`
}

// TrimResult reports what one budget pass did.
type TrimResult struct {
	Before  int
	After   int
	Removed int
}

// SessionInfo summarises one live conversation.
type SessionInfo struct {
	Session    string    `json:"session"`
	Turns      int       `json:"turns"`
	LastActive time.Time `json:"last_active"`
}

// Store is a keyed table of conversations. The table lock only guards the
// map; each conversation has its own lock so sessions never block each
// other. No lock is held across persistence I/O.
type Store struct {
	opts Options

	mu    sync.RWMutex
	table map[string]*Conversation

	flushMu   sync.Mutex
	scheduler *cron.Cron
	logger    *core.Logger
}

// NewStore validates opts and returns an empty store.
func NewStore(opts Options) (*Store, error) {
	if opts.Budgeter == nil {
		return nil, errors.New("conversation: budgeter is required")
	}
	if opts.TTL < 0 {
		return nil, &core.StartupConfigError{Key: "conversation.ttl", Reason: "must not be negative"}
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = DefaultEvictionInterval
	}
	if opts.MaxTurnChars <= 0 {
		opts.MaxTurnChars = DefaultMaxTurnChars
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = core.GetLogger()
	}
	if opts.ReapSchedule == "" {
		opts.ReapSchedule = DefaultReapSchedule
	}
	if opts.FlushSchedule == "" {
		opts.FlushSchedule = DefaultFlushSchedule
	}
	persist := opts.Persister != nil
	if !persist {
		opts.Persister = nopPersister{}
	}

	s := &Store{
		opts:   opts,
		table:  make(map[string]*Conversation),
		logger: opts.Logger.With(map[string]interface{}{"component": "conversation_store"}),
	}

	logger := cronLogger{s.logger}
	s.scheduler = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := s.scheduler.AddFunc(opts.ReapSchedule, func() { s.Reap(context.Background()) }); err != nil {
		return nil, &core.StartupConfigError{Key: "conversation.reap_schedule", Reason: err.Error()}
	}
	if persist {
		flush := func() {
			if err := s.Flush(context.Background()); err != nil {
				s.logger.With(map[string]interface{}{"error": err}).Warn("conversation flush failed")
			}
		}
		if _, err := s.scheduler.AddFunc(opts.FlushSchedule, flush); err != nil {
			return nil, &core.StartupConfigError{Key: "persistence.flush_schedule", Reason: err.Error()}
		}
	}
	return s, nil
}

// Start runs the reaper and flusher in the background.
func (s *Store) Start() {
	s.scheduler.Start()
}

// Close stops the background jobs, writes any unflushed history and
// closes the persister.
func (s *Store) Close(ctx context.Context) error {
	select {
	case <-s.scheduler.Stop().Done():
	case <-ctx.Done():
	}
	flushErr := s.Flush(ctx)
	closeErr := s.opts.Persister.Close()
	return errors.Join(flushErr, closeErr)
}

// Budgeter exposes the store's budget policy.
func (s *Store) Budgeter() *Budgeter { return s.opts.Budgeter }

// TTL is the configured turn lifetime.
func (s *Store) TTL() time.Duration { return s.opts.TTL }

// AppendTurn validates content and appends it to session, creating the
// conversation on first contact. Every append first runs the rate-limited
// eviction check.
func (s *Store) AppendTurn(ctx context.Context, session string, role core.Role, content string) (core.TurnID, error) {
	if !role.Valid() {
		return 0, core.Invalid("role", "must be user or assistant, got %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return 0, core.Invalid("content", "must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > s.opts.MaxTurnChars {
		return 0, core.Invalid("content", "%d characters exceeds the limit of %d", n, s.opts.MaxTurnChars)
	}

	c, err := s.conversation(ctx, session, true)
	if err != nil {
		return 0, err
	}

	now := s.opts.Clock.Now()
	c.mu.Lock()
	evicted := s.maybeEvictLocked(c, now, false)
	turn := c.appendLocked(role, content, now)
	c.mu.Unlock()

	s.opts.Metrics.TurnsEvicted(evicted)
	s.opts.Metrics.TurnAppended(string(role))
	if evicted > 0 {
		s.logger.With(map[string]interface{}{"session": session, "evicted": evicted}).Debug("expired turns evicted")
	}
	return turn.ID, nil
}

// Snapshot returns the unexpired turns of session in insertion order. It
// never mutates state and never creates a conversation.
func (s *Store) Snapshot(session string) []core.Message {
	return core.Messages(s.Turns(session))
}

// Turns is Snapshot with turn metadata.
func (s *Store) Turns(session string) []core.Turn {
	c := s.lookup(session)
	if c == nil {
		return []core.Turn{}
	}
	now := s.opts.Clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveTurnsLocked(now, s.opts.TTL)
}

// EvictExpired removes every expired turn from session. Unless force is set
// the scan is skipped when the last one ran less than EvictionInterval ago.
func (s *Store) EvictExpired(session string, force bool) int {
	c := s.lookup(session)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	evicted := s.maybeEvictLocked(c, s.opts.Clock.Now(), force)
	c.mu.Unlock()
	s.opts.Metrics.TurnsEvicted(evicted)
	return evicted
}

func (s *Store) maybeEvictLocked(c *Conversation, now time.Time, force bool) int {
	if !force && !c.lastEvictScan.IsZero() && now.Sub(c.lastEvictScan) < s.opts.EvictionInterval {
		return 0
	}
	return c.evictExpiredLocked(now, s.opts.TTL)
}

// Enforce runs one budget pass over session: when the estimate has reached
// the trigger fraction the oldest turns are dropped until it is back under
// the target.
func (s *Store) Enforce(session string) TrimResult {
	c := s.lookup(session)
	if c == nil {
		return TrimResult{}
	}
	b := s.opts.Budgeter

	c.mu.Lock()
	// The estimate is a full scan anyway, so expired turns go first.
	evicted := c.evictExpiredLocked(s.opts.Clock.Now(), s.opts.TTL)
	before := b.EstimateTokens(c.turns)
	result := TrimResult{Before: before, After: before}
	if b.NeedsTrim(before) {
		kept, removed := b.Trim(c.turns)
		c.dropOldestLocked(removed)
		result.Removed = removed
		result.After = b.EstimateTokens(kept)
	}
	c.mu.Unlock()

	s.opts.Metrics.TurnsEvicted(evicted)
	s.opts.Metrics.TurnsTrimmed(result.Removed)
	if result.Removed > 0 {
		s.logger.With(map[string]interface{}{
			"session":       session,
			"removed_turns": result.Removed,
			"tokens_before": result.Before,
			"tokens_after":  result.After,
			"max_context":   b.MaxContext(),
		}).Info("conversation trimmed to context budget")
	}
	return result
}

// Stats reports the live turn count and context usage of session without
// mutating anything.
func (s *Store) Stats(session string) Stats {
	turns := s.Turns(session)
	tokens := s.opts.Budgeter.EstimateTokens(turns)
	return Stats{
		Turns:  len(turns),
		Tokens: tokens,
		Usage:  s.opts.Budgeter.Usage(tokens),
	}
}

// Len is the number of conversations held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// Sessions lists every conversation held in memory, most recently active first.
func (s *Store) Sessions() []SessionInfo {
	now := s.opts.Clock.Now()
	out := make([]SessionInfo, 0, s.Len())
	for key, c := range s.conversations() {
		c.mu.Lock()
		out = append(out, SessionInfo{
			Session:    key,
			Turns:      len(c.liveTurnsLocked(now, s.opts.TTL)),
			LastActive: c.lastActive,
		})
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].Session < out[j].Session
		}
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// Reap force-evicts expired turns everywhere and drops conversations that
// are empty and have been idle for longer than the TTL. Returns the number
// of conversations dropped.
func (s *Store) Reap(ctx context.Context) int {
	now := s.opts.Clock.Now()
	var idle []string
	evicted := 0
	for key, c := range s.conversations() {
		c.mu.Lock()
		evicted += c.evictExpiredLocked(now, s.opts.TTL)
		if len(c.turns) == 0 && now.Sub(c.lastActive) >= s.opts.TTL {
			idle = append(idle, key)
		}
		c.mu.Unlock()
	}
	s.opts.Metrics.TurnsEvicted(evicted)

	dropped := 0
	for _, key := range idle {
		s.mu.Lock()
		c := s.table[key]
		drop := false
		if c != nil {
			// Re-check under the table lock: an append may have raced in.
			c.mu.Lock()
			drop = len(c.turns) == 0 && now.Sub(c.lastActive) >= s.opts.TTL
			c.mu.Unlock()
		}
		if drop {
			delete(s.table, key)
			dropped++
		}
		s.mu.Unlock()

		if drop {
			if err := s.opts.Persister.Delete(ctx, key); err != nil {
				s.opts.Metrics.PersistError("delete")
				s.logger.With(map[string]interface{}{"session": key, "error": err}).Warn("failed to delete persisted conversation")
			}
		}
	}

	s.opts.Metrics.SetSessions(s.Len())
	if dropped > 0 || evicted > 0 {
		s.logger.With(map[string]interface{}{"dropped_sessions": dropped, "evicted_turns": evicted}).Debug("reaper pass")
	}
	return dropped
}

// Clear drops session from memory and from the persister. It reports
// whether the session was held in memory. It is serialised with Flush so a
// cleared session is never written back.
func (s *Store) Clear(ctx context.Context, session string) (bool, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	_, ok := s.table[session]
	delete(s.table, session)
	n := len(s.table)
	s.mu.Unlock()

	s.opts.Metrics.SetSessions(n)
	if err := s.opts.Persister.Delete(ctx, session); err != nil {
		s.opts.Metrics.PersistError("delete")
		return ok, fmt.Errorf("conversation: delete %q: %w", session, err)
	}
	s.logger.With(map[string]interface{}{"session": session, "held": ok}).Info("conversation cleared")
	return ok, nil
}

// Flush writes every conversation changed since its last flush. Flushes are
// serialised so writes for one session are never reordered.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var errs []error
	for key, c := range s.conversations() {
		c.mu.Lock()
		if c.version == c.flushedVersion {
			c.mu.Unlock()
			continue
		}
		version := c.version
		turns := slices.Clone(c.turns)
		c.mu.Unlock()

		if err := s.opts.Persister.Save(ctx, key, turns); err != nil {
			s.opts.Metrics.PersistError("save")
			errs = append(errs, fmt.Errorf("conversation: save %q: %w", key, err))
			continue
		}

		c.mu.Lock()
		if version > c.flushedVersion {
			c.flushedVersion = version
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// lookup returns the conversation for session, or nil.
func (s *Store) lookup(session string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table[session]
}

// conversation returns the conversation for session. With create set, a
// missing conversation is restored from the persister (outside any lock)
// or started empty.
func (s *Store) conversation(ctx context.Context, session string, create bool) (*Conversation, error) {
	if c := s.lookup(session); c != nil || !create {
		return c, nil
	}

	restored, err := s.opts.Persister.Load(ctx, session)
	if err != nil {
		s.opts.Metrics.PersistError("load")
		return nil, fmt.Errorf("conversation: load %q: %w", session, err)
	}

	s.mu.Lock()
	c, ok := s.table[session]
	if !ok {
		c = newConversation(session, restored, s.opts.Clock.Now())
		s.table[session] = c
	}
	n := len(s.table)
	s.mu.Unlock()

	if !ok {
		s.opts.Metrics.SetSessions(n)
		s.logger.With(map[string]interface{}{"session": session, "restored_turns": len(restored)}).Debug("conversation created")
	}
	return c, nil
}

// conversations copies the table so callers can lock conversations one at
// a time without holding the table lock.
func (s *Store) conversations() map[string]*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Conversation, len(s.table))
	for k, v := range s.table {
		out[k] = v
	}
	return out
}

// cronLogger adapts core.Logger to cron.Logger.
type cronLogger struct {
	logger *core.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.With(map[string]interface{}{"error": err}).Error("cron: "+msg, keysAndValues...)
}
