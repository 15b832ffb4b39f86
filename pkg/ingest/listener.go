package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/ledger"
	"github.com/collateralvault/vaultmirror/pkg/metrics"
	"github.com/collateralvault/vaultmirror/pkg/retry"
	"github.com/collateralvault/vaultmirror/pkg/vault"
	"go.uber.org/zap"
)

type State int32

const (
	StateStopped State = iota
	StatePolling
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	default:
		return "stopped"
	}
}

// Applier mirrors one decoded ledger event.
type Applier interface {
	ApplyLedgerEvent(ctx context.Context, ev ledger.Event, meta vault.EventMeta) (bool, error)
}

type Config struct {
	ProgramID     string
	PollInterval  time.Duration
	BatchSize     int
	SeenRetention time.Duration
	MaxFailures   int
	Cooldown      time.Duration
}

// Result summarizes one poll.
type Result struct {
	Fetched   int
	Skipped   int
	Processed int
	Events    int
	Applied   int
	Failed    int
}

// Listener polls the program's signature listing and feeds new events to the
// applier. Signatures are remembered for SeenRetention; replays beyond that
// window are absorbed by the applier's idempotent record keys.
type Listener struct {
	cfg     Config
	gateway ledger.Gateway
	applier Applier
	logger  *zap.Logger
	backoff retry.Config
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time

	state    atomic.Int32
	failures int
}

func NewListener(cfg Config, gateway ledger.Gateway, applier Applier, logger *zap.Logger) *Listener {
	return &Listener{
		cfg:     cfg,
		gateway: gateway,
		applier: applier,
		logger:  logger.With(zap.String("component", "ingest")),
		backoff: retry.Config{
			InitialDelay:  cfg.PollInterval,
			MaxDelay:      cfg.Cooldown,
			Multiplier:    2,
			JitterEnabled: true,
		},
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

func (l *Listener) State() State {
	return State(l.state.Load())
}

// SeenCount is the number of signatures currently remembered.
func (l *Listener) SeenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Run polls until ctx is cancelled. Poll failures back off exponentially;
// after MaxFailures consecutive failures the listener cools down before
// resuming.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("Event listener started",
		zap.String("program", l.cfg.ProgramID),
		zap.Duration("poll_interval", l.cfg.PollInterval),
		zap.Int("batch_size", l.cfg.BatchSize))
	l.state.Store(int32(StatePolling))
	defer l.state.Store(int32(StateStopped))

	for {
		wait := l.cfg.PollInterval
		res, err := l.safePoll(ctx)
		switch {
		case ctx.Err() != nil:
			l.logger.Info("Event listener stopped")
			return ctx.Err()
		case err != nil:
			wait = l.onFailure(err)
		default:
			l.failures = 0
			l.state.Store(int32(StatePolling))
			if res.Processed > 0 {
				l.logger.Debug("Poll complete",
					zap.Int("processed", res.Processed),
					zap.Int("events", res.Events),
					zap.Int("applied", res.Applied),
					zap.Int("failed", res.Failed))
			}
		}

		if err := retry.Sleep(ctx, wait); err != nil {
			l.logger.Info("Event listener stopped")
			return err
		}
	}
}

func (l *Listener) onFailure(err error) time.Duration {
	metrics.IngestPollFailures.Inc()
	l.failures++
	l.state.Store(int32(StateBackoff))

	if l.cfg.MaxFailures > 0 && l.failures >= l.cfg.MaxFailures {
		l.logger.Error("Too many consecutive poll failures, cooling down",
			zap.Int("failures", l.failures),
			zap.Duration("cooldown", l.cfg.Cooldown),
			zap.Error(err))
		l.failures = 0
		return l.cfg.Cooldown
	}

	delay := retry.Delay(l.backoff, l.failures)
	l.logger.Warn("Poll failed, backing off",
		zap.Int("failures", l.failures),
		zap.Duration("delay", delay),
		zap.Error(err))
	return delay
}

func (l *Listener) safePoll(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
		}
	}()
	return l.Poll(ctx)
}

// Poll runs one ingestion cycle, oldest signature first.
func (l *Listener) Poll(ctx context.Context) (Result, error) {
	var res Result

	sigs, err := l.gateway.GetSignaturesForAddress(ctx, l.cfg.ProgramID, l.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list signatures: %w", err)
	}
	res.Fetched = len(sigs)
	l.evict()

	for i := len(sigs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		info := sigs[i]
		if l.isSeen(info.Signature) {
			continue
		}
		if info.Failed() {
			l.markSeen(info.Signature)
			res.Skipped++
			continue
		}

		tx, err := l.gateway.GetTransaction(ctx, info.Signature)
		if err != nil {
			// Left unmarked so the next poll tries again.
			if errors.Is(err, ledger.ErrTransactionNotFound) {
				l.logger.Debug("Transaction not yet available", zap.String("signature", info.Signature))
			} else {
				l.logger.Warn("Failed to fetch transaction", zap.String("signature", info.Signature), zap.Error(err))
			}
			continue
		}
		if tx.Failed() {
			l.markSeen(info.Signature)
			res.Skipped++
			continue
		}

		l.process(ctx, info, tx, &res)
		l.markSeen(info.Signature)
		res.Processed++
	}
	return res, nil
}

func (l *Listener) process(ctx context.Context, info ledger.SignatureInfo, tx *ledger.Transaction, res *Result) {
	events, err := ledger.EventsFromLogs(l.cfg.ProgramID, tx.LogMessages)
	if err != nil {
		l.logger.Warn("Undecodable program data", zap.String("signature", info.Signature), zap.Error(err))
	}

	blockTime := tx.BlockTime
	if blockTime == nil {
		blockTime = info.BlockTime
	}
	slot := tx.Slot
	if slot == 0 {
		slot = info.Slot
	}

	for i, ev := range events {
		res.Events++
		meta := vault.EventMeta{
			RecordKey: RecordKey(info.Signature, i),
			Signature: info.Signature,
			Slot:      slot,
			BlockTime: blockTime,
		}
		applied, err := l.applier.ApplyLedgerEvent(ctx, ev, meta)
		switch {
		case err != nil:
			res.Failed++
			metrics.IngestedEvents.WithLabelValues(ev.EventName(), "error").Inc()
			l.logger.Error("Failed to apply ledger event",
				zap.String("event", ev.EventName()),
				zap.String("signature", info.Signature),
				zap.Int("index", i),
				zap.Error(err))
		case applied:
			res.Applied++
			metrics.IngestedEvents.WithLabelValues(ev.EventName(), "applied").Inc()
			l.logger.Info("Ledger event applied",
				zap.String("event", ev.EventName()),
				zap.Strings("vaults", ev.Vaults()),
				zap.String("signature", info.Signature))
		default:
			metrics.IngestedEvents.WithLabelValues(ev.EventName(), "duplicate").Inc()
		}
	}
}

// RecordKey is the idempotency key of the index-th event of a transaction.
func RecordKey(signature string, index int) string {
	if index == 0 {
		return signature
	}
	return signature + ":" + strconv.Itoa(index)
}

func (l *Listener) isSeen(sig string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[sig]
	return ok
}

func (l *Listener) markSeen(sig string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[sig] = l.now()
}

func (l *Listener) evict() {
	if l.cfg.SeenRetention <= 0 {
		return
	}
	cutoff := l.now().Add(-l.cfg.SeenRetention)
	l.mu.Lock()
	defer l.mu.Unlock()
	for sig, at := range l.seen {
		if at.Before(cutoff) {
			delete(l.seen, sig)
		}
	}
}
