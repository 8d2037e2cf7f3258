package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
	"github.com/rs/zerolog"
)

const (
	DefaultCap             = 200
	DefaultPersistAttempts = 3

	queueSize      = 64
	defaultBackoff = 500 * time.Millisecond
)

type Options struct {
	Cap             int
	PersistAttempts int

	// First retry delay; doubled after each failed attempt.
	Backoff time.Duration
}

// Recorder owns the in-memory call log. Record never blocks; persistence
// happens on the goroutine started by Run.
type Recorder struct {
	owner    string
	store    Store
	attempts int
	backoff  time.Duration
	logger   zerolog.Logger

	log   *util.RingBuffer[Entry]
	queue chan Entry

	mu        sync.Mutex
	listeners []func(Entry)
}

// New creates a recorder for owner. store may be nil, in which case the log
// is memory-only.
func New(owner string, store Store, opts Options, logger zerolog.Logger) *Recorder {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.PersistAttempts <= 0 {
		opts.PersistAttempts = DefaultPersistAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Recorder{
		owner:    owner,
		store:    store,
		attempts: opts.PersistAttempts,
		backoff:  opts.Backoff,
		logger:   logger,
		log:      util.NewRingBuffer[Entry](opts.Cap),
		queue:    make(chan Entry, queueSize),
	}
}

// OnRecord registers fn to be called after every Record.
func (r *Recorder) OnRecord(fn func(Entry)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Record adds e to the front of the log and queues it for persistence.
func (r *Recorder) Record(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	if r.log.Push(e) {
		r.logger.Debug().Msg("history cap reached, oldest entry dropped")
	}

	if r.store != nil {
		select {
		case r.queue <- e:
		default:
			r.logger.Warn().Str("call_id", e.CallID).Msg("persist queue full, entry kept in memory only")
		}
	}

	r.mu.Lock()
	listeners := append([]func(Entry){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(e)
	}
	return nil
}

// Entries returns the log, newest first.
func (r *Recorder) Entries() []Entry { return r.log.Newest() }

// Clear empties the log and deletes the owner's rows from the store.
// The memory log is cleared even when the remote delete fails.
func (r *Recorder) Clear(ctx context.Context) error {
	r.log.Reset()
	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteCalls(ctx, r.owner); err != nil {
		r.logger.Warn().Err(err).Msg("clear stored history")
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Load replaces the log with the newest stored entries, up to the cap.
func (r *Recorder) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.ListCalls(ctx, r.owner, r.log.Cap())
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(entries) > r.log.Cap() {
		entries = entries[:r.log.Cap()]
	}
	r.log.Reset()
	// entries are newest first; the ring wants oldest first.
	for i := len(entries) - 1; i >= 0; i-- {
		r.log.Push(entries[i])
	}
	r.logger.Info().Int("entries", len(entries)).Msg("history loaded")
	return nil
}

// Run persists queued entries until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(r.queue); n > 0 {
				r.logger.Warn().Int("pending", n).Msg("history persistence stopped with unsaved entries")
			}
			return nil
		case e := <-r.queue:
			r.persist(ctx, e)
		}
	}
}

func (r *Recorder) persist(ctx context.Context, e Entry) {
	delay := r.backoff
	for attempt := 1; ; attempt++ {
		err := r.store.InsertCall(ctx, r.owner, e)
		if err == nil {
			return
		}
		if attempt >= r.attempts {
			r.logger.Error().Err(err).Str("call_id", e.CallID).Int("attempts", attempt).
				Msg("history entry not persisted")
			return
		}
		r.logger.Warn().Err(err).Str("call_id", e.CallID).Int("attempt", attempt).Msg("persist history entry, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}
