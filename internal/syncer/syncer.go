package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opentenders/radar/backend/internal/models"
	"github.com/opentenders/radar/backend/internal/pncp"
)

// ErrRunInProgress is returned when a run is triggered while another is still
// in flight; at most one synchronization runs at a time.
var ErrRunInProgress = errors.New("synchronization already in progress")

// PageFetcher is the remote source slice the orchestrator consumes.
type PageFetcher interface {
	FetchPage(ctx context.Context, window pncp.Window, modality, page int) (*pncp.Page, error)
}

// RecordReconciler applies one raw record. (nil, nil) means the record was
// skipped without error.
type RecordReconciler interface {
	Reconcile(ctx context.Context, raw models.RawRecord) (*models.Tender, error)
}

// Checkpoints reads and writes the last-successful-run marker.
type Checkpoints interface {
	Last() (time.Time, bool, error)
	Save(t time.Time) error
}

// RepairStore lists tenders whose index projection is missing or stale.
type RepairStore interface {
	ListNeedingIndex(ctx context.Context, limit int) ([]models.Tender, error)
}

// Indexer re-drives a single tender into the search index.
type Indexer interface {
	Index(ctx context.Context, t *models.Tender) bool
}

// Options overrides the computed window for one run.
type Options struct {
	Start *time.Time
	End   *time.Time
}

// Syncer drives page-by-page synchronization runs against the remote source
// and keeps the checkpoint. Safe for concurrent triggers: overlapping runs are
// rejected, not queued.
type Syncer struct {
	source      PageFetcher
	reconciler  RecordReconciler
	checkpoints Checkpoints
	repairStore RepairStore
	indexer     Indexer
	modality    int
	lookback    time.Duration
	log         *slog.Logger
	now         func() time.Time
	running     atomic.Bool
}

// Config carries the collaborators and run parameters.
type Config struct {
	Source      PageFetcher
	Reconciler  RecordReconciler
	Checkpoints Checkpoints
	RepairStore RepairStore
	Indexer     Indexer
	Modality    int
	Lookback    time.Duration
	Logger      *slog.Logger
}

// New builds a syncer.
func New(cfg Config) *Syncer {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}

	return &Syncer{
		source:      cfg.Source,
		reconciler:  cfg.Reconciler,
		checkpoints: cfg.Checkpoints,
		repairStore: cfg.RepairStore,
		indexer:     cfg.Indexer,
		modality:    cfg.Modality,
		lookback:    lookback,
		log:         log,
		now:         time.Now,
	}
}

// Run executes one full synchronization: compute the window, loop pages,
// reconcile records, and checkpoint after the final page. Returns the count of
// successfully reconciled records. A fatal page fetch aborts the run without
// touching the checkpoint so the next run retries the same window.
func (s *Syncer) Run(ctx context.Context, opts Options) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrRunInProgress
	}
	defer s.running.Store(false)

	window, err := s.computeWindow(opts)
	if err != nil {
		return 0, err
	}

	s.log.Info("sync run starting",
		slog.Time("window_start", window.Start),
		slog.Time("window_end", window.End),
		slog.Int("modality", s.modality),
	)

	count := 0
	totalPages := 0
	for page := 1; ; page++ {
		pg, err := s.source.FetchPage(ctx, window, s.modality, page)
		if err != nil {
			return count, fmt.Errorf("sync aborted on page %d: %w", page, err)
		}

		// Total pages is captured once from the first response and fixed
		// for the run; pages are consumed monotonically.
		if page == 1 {
			totalPages = pg.TotalPages
		}

		if len(pg.Records) == 0 {
			s.log.Info("empty page, stopping", slog.Int("page", page))
			break
		}

		count += s.reconcilePage(ctx, pg.Records, page)

		if totalPages > 0 && page >= totalPages {
			break
		}
	}

	if err := s.checkpoints.Save(s.now()); err != nil {
		return count, fmt.Errorf("save checkpoint: %w", err)
	}

	s.log.Info("sync run completed", slog.Int("reconciled", count))
	return count, nil
}

// PreviewPage fetches and reconciles a single explicit page, bypassing the
// checkpoint entirely. Used by the manual trigger.
func (s *Syncer) PreviewPage(ctx context.Context, window pncp.Window, modality, page int) (int, error) {
	if modality <= 0 {
		modality = s.modality
	}
	if page < 1 {
		page = 1
	}

	pg, err := s.source.FetchPage(ctx, window, modality, page)
	if err != nil {
		return 0, err
	}

	return s.reconcilePage(ctx, pg.Records, page), nil
}

// reconcilePage applies a page of records, isolating per-record failures: a
// failed or skipped record is logged and excluded from the count, and the page
// continues.
func (s *Syncer) reconcilePage(ctx context.Context, records []models.RawRecord, page int) int {
	count := 0
	for _, raw := range records {
		tender, err := s.reconciler.Reconcile(ctx, raw)
		if err != nil {
			s.log.Error("record reconciliation failed",
				slog.Int("page", page),
				slog.Any("err", err),
			)
			continue
		}
		if tender == nil {
			continue // skipped, already logged by the reconciler
		}
		count++
	}
	return count
}

// Repair re-indexes every tender whose projection is missing or older than its
// last update. Returns the number of successfully re-indexed tenders.
func (s *Syncer) Repair(ctx context.Context) (int, error) {
	const batch = 500

	total := 0
	for {
		tenders, err := s.repairStore.ListNeedingIndex(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("repair: %w", err)
		}
		if len(tenders) == 0 {
			return total, nil
		}

		indexed := 0
		for i := range tenders {
			if s.indexer.Index(ctx, &tenders[i]) {
				indexed++
			}
		}
		total += indexed

		// Nothing in this batch converged; bail rather than spin on the
		// same stale rows.
		if indexed == 0 {
			return total, nil
		}
		if len(tenders) < batch {
			return total, nil
		}
	}
}

// RunScheduled runs the orchestrator now (optionally) and then on every tick
// until ctx is canceled. An in-flight run is never interrupted; a tick that
// finds one in flight is skipped.
func (s *Syncer) RunScheduled(ctx context.Context, interval time.Duration, runOnStart bool) {
	if runOnStart {
		s.runTick(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduled sync stopping")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Syncer) runTick(ctx context.Context) {
	count, err := s.Run(ctx, Options{})
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.log.Warn("previous run still in flight, skipping tick")
	case err != nil:
		s.log.Error("scheduled run failed", slog.Int("reconciled", count), slog.Any("err", err))
	default:
		s.log.Info("scheduled run finished", slog.Int("reconciled", count))
	}
}

// computeWindow resolves the run window: explicit input first, then the last
// checkpoint, then the lookback default. End defaults to now. The checkpoint
// is written as wall-clock completion time, so consecutive default runs are
// continuous.
func (s *Syncer) computeWindow(opts Options) (pncp.Window, error) {
	now := s.now()

	var start time.Time
	switch {
	case opts.Start != nil:
		start = *opts.Start
	default:
		last, ok, err := s.checkpoints.Last()
		if err != nil {
			return pncp.Window{}, fmt.Errorf("read checkpoint: %w", err)
		}
		if ok {
			start = last
		} else {
			start = now.Add(-s.lookback)
		}
	}

	end := now
	if opts.End != nil {
		end = *opts.End
	}

	if end.Before(start) {
		return pncp.Window{}, fmt.Errorf("window end %s before start %s",
			end.Format("20060102"), start.Format("20060102"))
	}

	return pncp.Window{Start: start, End: end}, nil
}
