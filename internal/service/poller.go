package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/katale-store/payments/internal/domain"
	"github.com/katale-store/payments/internal/provider"
)

type PollerConfig struct {
	// ScanInterval is how often the ledger is scanned for active
	// transactions without a watcher (fresh rows and rows adopted after a
	// restart).
	ScanInterval time.Duration

	// InitiateGrace keeps a row out of the poll feed until this long after
	// creation. The initiate call may still be in flight, and querying the
	// provider before it has registered the request reads as "unknown
	// reference". Must exceed the worst-case initiate budget, including a
	// token fetch and one 401 retry.
	InitiateGrace time.Duration

	// FastInterval is the fixed cadence for the first FastAttempts checks,
	// sized to catch customers who confirm the handset prompt quickly.
	FastInterval time.Duration
	FastAttempts int

	// After the fast phase the interval grows by Multiplier per attempt,
	// capped at MaxInterval.
	Multiplier  float64
	MaxInterval time.Duration

	// ExpiryWindow bounds a transaction's total time awaiting confirmation.
	// Once elapsed the transaction expires and polling stops.
	ExpiryWindow time.Duration

	ProviderTimeout time.Duration
	BatchSize       int
}

// Poller re-checks active transactions against the provider until a
// terminal signal lands or the expiry window elapses. It is the second
// confirmation channel, racing webhook ingress; both resolve through the
// same ledger conditional update, so no coordination beyond it is needed.
type Poller struct {
	ledger    transactionLedger
	providers provider.Registry
	orch      *Orchestrator
	cfg       PollerConfig
	logger    *slog.Logger

	mu       sync.Mutex
	watching map[uuid.UUID]struct{}
	wg       sync.WaitGroup
}

func NewPoller(ledger transactionLedger, providers provider.Registry, orch *Orchestrator, cfg PollerConfig, logger *slog.Logger) *Poller {
	return &Poller{
		ledger:    ledger,
		providers: providers,
		orch:      orch,
		cfg:       cfg,
		logger:    logger,
		watching:  make(map[uuid.UUID]struct{}),
	}
}

// Run scans for unwatched active transactions until the context is
// cancelled, then waits for in-flight watchers to wind down.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("polling scheduler started",
		"scan_interval", p.cfg.ScanInterval,
		"fast_interval", p.cfg.FastInterval,
		"expiry_window", p.cfg.ExpiryWindow,
	)

	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	p.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info("polling scheduler stopped")
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

func (p *Poller) scan(ctx context.Context) {
	olderThan := time.Now().UTC().Add(-p.cfg.InitiateGrace)
	txns, err := p.ledger.ListActive(ctx, olderThan, p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to list active transactions", "error", err)
		return
	}

	for _, txn := range txns {
		if p.adopt(txn.ID) {
			p.wg.Add(1)
			go p.watch(ctx, txn.ID)
		}
	}
}

func (p *Poller) adopt(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watching[id]; ok {
		return false
	}
	p.watching[id] = struct{}{}
	return true
}

func (p *Poller) forget(id uuid.UUID) {
	p.mu.Lock()
	delete(p.watching, id)
	p.mu.Unlock()
}

// watch drives the check schedule for one transaction: FastAttempts checks
// at the fixed fast interval, then exponential growth capped at
// MaxInterval. The expiry window is enforced against the ledger row, so it
// survives restarts.
func (p *Poller) watch(ctx context.Context, id uuid.UUID) {
	defer p.wg.Done()
	defer p.forget(id)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.FastInterval
	b.RandomizationFactor = 0.2
	b.Multiplier = p.cfg.Multiplier
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(p.nextInterval(0, b))
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if done := p.checkOnce(ctx, id); done {
			return
		}
		timer.Reset(p.nextInterval(attempt, b))
	}
}

func (p *Poller) nextInterval(attempt int, b backoff.BackOff) time.Duration {
	if attempt < p.cfg.FastAttempts {
		return p.cfg.FastInterval
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		return p.cfg.MaxInterval
	}
	return d
}

// checkOnce returns true when the watcher should stop: the transaction is
// finalized (by either channel), expired, or gone.
func (p *Poller) checkOnce(ctx context.Context, id uuid.UUID) bool {
	log := p.logger.With("transaction_id", id)

	txn, err := p.ledger.GetByID(ctx, id)
	if err != nil {
		log.Error("failed to load transaction for poll", "error", err)
		return false
	}

	// The webhook channel may have won while we slept; skip the provider
	// call entirely.
	if txn.State.IsTerminal() {
		log.Info("transaction already finalized, stopping poll", "state", txn.State)
		return true
	}

	if time.Since(txn.CreatedAt) >= p.cfg.ExpiryWindow {
		detail := "no confirmation within expiry window"
		if _, err := p.orch.finalize(ctx, txn, domain.StateExpired, &detail, nil); err != nil {
			log.Error("failed to expire transaction", "error", err)
			return false
		}
		log.Info("transaction expired", "order_reference", txn.OrderReference)
		return true
	}

	client, err := p.providers.For(txn.Provider)
	if err != nil {
		log.Error("no adapter for provider", "provider", txn.Provider, "error", err)
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	res, queryErr := client.QueryStatus(callCtx, txn.ProviderRef)
	cancel()

	if err := p.ledger.RecordPollAttempt(ctx, txn.ID); err != nil {
		log.Error("failed to record poll attempt", "error", err)
	}

	if queryErr != nil {
		if rej, ok := provider.AsRejected(queryErr); ok {
			// A row still in initiated never got a provider acknowledgement,
			// so "unknown reference" is expected while the request-to-pay is
			// in flight or was lost. Keep waiting; the expiry window rules
			// it out if the reference never materializes.
			if txn.State == domain.StateInitiated {
				log.Info("provider does not know the reference yet, will retry",
					"detail", rej.Detail, "attempt_count", txn.AttemptCount+1)
				return false
			}
			detail := rej.Detail
			if _, err := p.orch.finalize(ctx, txn, domain.StateFailed, &detail, rej.Raw); err != nil {
				log.Error("failed to finalize rejected transaction", "error", err)
				return false
			}
			return true
		}
		// Transient: no state change, retried on the next tick inside the
		// expiry window.
		log.Warn("status check failed, will retry", "error", queryErr, "attempt_count", txn.AttemptCount+1)
		return false
	}

	if res.Status == provider.StatusPending {
		return false
	}

	outcome, err := p.orch.ApplySignal(ctx, Signal{
		Provider:    txn.Provider,
		ProviderRef: txn.ProviderRef,
		Status:      res.Status,
		Detail:      res.Detail,
		Raw:         res.Raw,
	})
	if err != nil {
		log.Error("failed to apply poll signal", "error", err)
		return false
	}

	log.Info("poll delivered terminal signal", "status", res.Status, "outcome", outcome)
	return true
}
