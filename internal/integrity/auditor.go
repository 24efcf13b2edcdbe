// Package integrity periodically re-verifies recently active provenance
// chains so tampering is flagged even when nobody reads the timeline.
package integrity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/metrics"
	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

// Config holds auditor configuration.
type Config struct {
	Interval    time.Duration
	Lookback    time.Duration
	MaxSubjects int
	Concurrency int
}

// Verifier checks a single chain. *provenance.Service satisfies it.
type Verifier interface {
	VerifyChain(ctx context.Context, subjectID string) (*provenance.VerificationResult, error)
}

// BrokenFunc is an optional callback invoked for every broken chain found.
type BrokenFunc func(ctx context.Context, res *provenance.VerificationResult)

// Report summarises one audit pass.
type Report struct {
	Checked int
	Broken  []*provenance.VerificationResult
	Errors  int
}

// Auditor runs periodic chain verification.
type Auditor struct {
	lister   provenance.SubjectLister
	verifier Verifier
	cfg      Config
	onBroken BrokenFunc
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a new Auditor.
func New(lister provenance.SubjectLister, verifier Verifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.MaxSubjects == 0 {
		cfg.MaxSubjects = 1000
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 8
	}
	return &Auditor{
		lister:   lister,
		verifier: verifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// SetBrokenHandler configures the broken-chain callback.
func (a *Auditor) SetBrokenHandler(fn BrokenFunc) {
	a.onBroken = fn
}

// Start runs an audit immediately and then on every tick until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	a.runTimed(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.runTimed(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Auditor) runTimed(ctx context.Context) {
	budget := a.cfg.Interval - time.Second
	if budget <= 0 {
		budget = a.cfg.Interval
	}
	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	a.RunOnce(rctx)
}

// RunOnce verifies every subject active within the lookback window with
// bounded concurrency.
func (a *Auditor) RunOnce(ctx context.Context) Report {
	var rep Report

	subjects, err := a.lister.ListSubjects(ctx, a.now().Add(-a.cfg.Lookback), a.cfg.MaxSubjects)
	if err != nil {
		a.logger.Error("integrity: list subjects", zap.Error(err))
		rep.Errors++
		return rep
	}

	sem := make(chan struct{}, a.cfg.Concurrency)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range subjects {
		wg.Add(1)
		go func(subjectID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := a.verifier.VerifyChain(ctx, subjectID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Errors++
				a.logger.Warn("integrity: verify failed",
					zap.String("subject_id", subjectID),
					zap.Error(err),
				)
				return
			}
			rep.Checked++
			if res.Valid {
				return
			}
			rep.Broken = append(rep.Broken, res)
			a.logger.Warn("integrity: chain flagged for investigation",
				zap.String("subject_id", subjectID),
				zap.Int("broken_at_index", *res.BrokenAtIndex),
				zap.String("reason", res.Reason),
			)
			if a.onBroken != nil {
				a.onBroken(ctx, res)
			}
		}(id)
	}
	wg.Wait()

	metrics.RecordAuditRun(len(rep.Broken))
	a.logger.Info("integrity: audit complete",
		zap.Int("checked", rep.Checked),
		zap.Int("broken", len(rep.Broken)),
		zap.Int("errors", rep.Errors),
	)
	return rep
}
