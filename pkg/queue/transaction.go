package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sttq/pkg/telemetry"
)

// DefaultBackoff is the fixed wait between a failed attempt and the next
// Synchronize.
const DefaultBackoff = 10 * time.Second

// Phase is a state of the transaction state machine.
type Phase int

// Transaction phases. A run walks Synchronizing → Mutating → Publishing and
// ends there, or detours through Backoff back to Synchronizing.
const (
	PhaseSynchronizing Phase = iota
	PhaseMutating
	PhasePublishing
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseSynchronizing:
		return "synchronizing"
	case PhaseMutating:
		return "mutating"
	case PhasePublishing:
		return "publishing"
	case PhaseBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Store is the shared state a Transactor works against. *Repository is the
// production implementation.
type Store interface {
	Synchronize(ctx context.Context) error
	Publish(ctx context.Context, message string) (published bool, err error)
}

// Action inspects and mutates the freshly synchronized working copy. It
// returns a human-readable description of the change to publish, or "" when
// there is nothing to do. A non-nil error aborts the transaction.
type Action func(ctx context.Context) (string, error)

// Result describes a finished transaction.
type Result struct {
	Message   string // commit message as published ("" when nothing to do)
	Attempts  int    // number of Synchronize attempts
	Published bool   // false when the action reported nothing to do or the diff was empty
}

// Transactor runs synchronize → mutate → publish with automatic conflict
// retry.
type Transactor struct {
	store   Store
	backoff time.Duration
	prefix  string
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	onPhase func(Phase)
}

// TransactorOption configures a Transactor.
type TransactorOption func(*Transactor)

// WithBackoff sets the wait between failed attempts.
func WithBackoff(d time.Duration) TransactorOption {
	return func(t *Transactor) { t.backoff = d }
}

// WithMessagePrefix prefixes every commit message with "<prefix>, ", used to
// tell hosts apart in the shared history.
func WithMessagePrefix(prefix string) TransactorOption {
	return func(t *Transactor) { t.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TransactorOption {
	return func(t *Transactor) { t.logger = l }
}

// WithSleep replaces the backoff sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) TransactorOption {
	return func(t *Transactor) { t.sleep = fn }
}

// WithPhaseObserver registers a callback invoked on every phase entry.
func WithPhaseObserver(fn func(Phase)) TransactorOption {
	return func(t *Transactor) { t.onPhase = fn }
}

// NewTransactor creates a Transactor over store.
func NewTransactor(store Store, opts ...TransactorOption) *Transactor {
	t := &Transactor{
		store:   store,
		backoff: DefaultBackoff,
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run executes one transaction:
//  1. Synchronize to the shared tip.
//  2. Invoke action. An empty description ends the transaction successfully
//     without publishing.
//  3. Publish the description. On success call onSuccess (may be nil) and
//     return. On failure wait the backoff interval and start again at 1.
//
// There is no attempt limit. The loop ends only on success, on an action
// error, or when ctx is cancelled; a host that cannot reach the remote is
// expected to keep waiting until it can, or to be killed.
func (t *Transactor) Run(ctx context.Context, action Action, onSuccess func(message string)) (Result, error) {
	var (
		res         Result
		description string
		phase       = PhaseSynchronizing
	)

	for {
		if t.onPhase != nil {
			t.onPhase(phase)
		}

		switch phase {
		case PhaseSynchronizing:
			res.Attempts++
			if err := t.store.Synchronize(ctx); err != nil {
				if ctx.Err() != nil {
					return res, fmt.Errorf("transaction cancelled: %w", ctx.Err())
				}
				t.logger.Warn("synchronize failed, will retry",
					slog.Int("attempt", res.Attempts),
					slog.Duration("backoff", t.backoff),
					slog.String("error", err.Error()))
				telemetry.QueueRetries.WithLabelValues("synchronize").Inc()
				phase = PhaseBackoff
				continue
			}
			phase = PhaseMutating

		case PhaseMutating:
			msg, err := action(ctx)
			if err != nil {
				telemetry.QueueTransactions.WithLabelValues("aborted").Inc()
				return res, fmt.Errorf("transaction action: %w", err)
			}
			if msg == "" {
				t.logger.Debug("transaction has nothing to publish", slog.Int("attempt", res.Attempts))
				telemetry.QueueTransactions.WithLabelValues("noop").Inc()
				return res, nil
			}
			description = msg
			phase = PhasePublishing

		case PhasePublishing:
			message := t.decorate(description)
			published, err := t.store.Publish(ctx, message)
			if err != nil {
				if ctx.Err() != nil {
					return res, fmt.Errorf("transaction cancelled: %w", ctx.Err())
				}
				var pe *PublishError
				rejected := errors.As(err, &pe) && pe.Rejected
				t.logger.Warn("publish failed, will retry from a fresh synchronize",
					slog.Int("attempt", res.Attempts),
					slog.Bool("rejected", rejected),
					slog.Duration("backoff", t.backoff),
					slog.String("error", err.Error()))
				telemetry.QueueRetries.WithLabelValues("publish").Inc()
				phase = PhaseBackoff
				continue
			}
			res.Message = message
			res.Published = published
			t.logger.Info("transaction published",
				slog.String("message", message),
				slog.Int("attempts", res.Attempts),
				slog.Bool("changed", published))
			telemetry.QueueTransactions.WithLabelValues("published").Inc()
			if onSuccess != nil {
				onSuccess(description)
			}
			return res, nil

		case PhaseBackoff:
			if err := t.sleep(ctx, t.backoff); err != nil {
				return res, fmt.Errorf("transaction cancelled: %w", err)
			}
			phase = PhaseSynchronizing
		}
	}
}

func (t *Transactor) decorate(msg string) string {
	if t.prefix == "" {
		return msg
	}
	return t.prefix + ", " + msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
