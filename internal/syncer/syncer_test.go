package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opentenders/radar/backend/internal/models"
	"github.com/opentenders/radar/backend/internal/pncp"
)

type fetchCall struct {
	window pncp.Window
	page   int
}

type fakeSource struct {
	pages map[int]*pncp.Page
	errOn int
	calls []fetchCall
}

func (f *fakeSource) FetchPage(_ context.Context, window pncp.Window, _, page int) (*pncp.Page, error) {
	f.calls = append(f.calls, fetchCall{window: window, page: page})
	if f.errOn != 0 && page == f.errOn {
		return nil, errors.New("source unavailable")
	}
	if pg, ok := f.pages[page]; ok {
		return pg, nil
	}
	return &pncp.Page{}, nil
}

type fakeReconciler struct {
	failOn map[string]bool
	skipOn map[string]bool
	seen   []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, raw models.RawRecord) (*models.Tender, error) {
	id := raw.Str("numeroControlePNCP")
	f.seen = append(f.seen, id)
	if f.failOn[id] {
		return nil, errors.New("storage error")
	}
	if f.skipOn[id] {
		return nil, nil
	}
	return &models.Tender{ExternalID: id}, nil
}

type fakeCheckpoints struct {
	last    time.Time
	has     bool
	saved   []time.Time
	readErr error
}

func (f *fakeCheckpoints) Last() (time.Time, bool, error) {
	return f.last, f.has, f.readErr
}

func (f *fakeCheckpoints) Save(t time.Time) error {
	f.saved = append(f.saved, t)
	return nil
}

type fakeRepairStore struct {
	batches [][]models.Tender
}

func (f *fakeRepairStore) ListNeedingIndex(_ context.Context, _ int) ([]models.Tender, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

type fakeIndexer struct {
	ok    bool
	count int
}

func (f *fakeIndexer) Index(_ context.Context, _ *models.Tender) bool {
	if f.ok {
		f.count++
	}
	return f.ok
}

func records(ids ...string) []models.RawRecord {
	out := make([]models.RawRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.RawRecord{"numeroControlePNCP": id})
	}
	return out
}

func newTestSyncer(source PageFetcher, rec RecordReconciler, cp Checkpoints) *Syncer {
	return New(Config{
		Source:      source,
		Reconciler:  rec,
		Checkpoints: cp,
		Modality:    6,
		Lookback:    30 * 24 * time.Hour,
	})
}

func TestRunStopsAtReportedTotalPages(t *testing.T) {
	source := &fakeSource{pages: map[int]*pncp.Page{
		1: {Records: records("a", "b"), TotalPages: 3},
		2: {Records: records("c"), TotalPages: 99}, // later totals are ignored
		3: {Records: records("d")},
		4: {Records: records("never")},
	}}
	rec := &fakeReconciler{}
	cp := &fakeCheckpoints{}

	count, err := newTestSyncer(source, rec, cp).Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 4, count)

	require.Len(t, source.calls, 3, "page 4 must never be fetched")
	require.Equal(t, []string{"a", "b", "c", "d"}, rec.seen)
}

func TestRunStopsOnEmptyPage(t *testing.T) {
	source := &fakeSource{pages: map[int]*pncp.Page{
		1: {Records: records("a"), TotalPages: 5},
		2: {},
		3: {Records: records("never")},
	}}
	rec := &fakeReconciler{}
	cp := &fakeCheckpoints{}

	count, err := newTestSyncer(source, rec, cp).Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, source.calls, 2)
	require.Len(t, cp.saved, 1, "empty page is normal termination, checkpoint written")
}

func TestRunFatalFetchSkipsCheckpoint(t *testing.T) {
	source := &fakeSource{
		pages: map[int]*pncp.Page{
			1: {Records: records("a"), TotalPages: 3},
		},
		errOn: 2,
	}
	rec := &fakeReconciler{}
	cp := &fakeCheckpoints{}

	count, err := newTestSyncer(source, rec, cp).Run(context.Background(), Options{})
	require.Error(t, err)
	require.Equal(t, 1, count)
	require.Empty(t, cp.saved, "aborted run must not move the checkpoint")
}

func TestRunIsolatesRecordFailures(t *testing.T) {
	source := &fakeSource{pages: map[int]*pncp.Page{
		1: {Records: records("a", "b", "c", "d", "e"), TotalPages: 1},
	}}
	rec := &fakeReconciler{failOn: map[string]bool{"c": true}}
	cp := &fakeCheckpoints{}

	count, err := newTestSyncer(source, rec, cp).Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 4, count, "failed record excluded from the count")
	require.Len(t, rec.seen, 5, "all records attempted")
	require.Len(t, cp.saved, 1)
}

func TestRunExcludesSkippedRecords(t *testing.T) {
	source := &fakeSource{pages: map[int]*pncp.Page{
		1: {Records: records("a", "", "b"), TotalPages: 1},
	}}
	rec := &fakeReconciler{skipOn: map[string]bool{"": true}}
	cp := &fakeCheckpoints{}

	count, err := newTestSyncer(source, rec, cp).Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestWindowDefaultsToCheckpoint(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{pages: map[int]*pncp.Page{1: {TotalPages: 1}}}
	cp := &fakeCheckpoints{last: last, has: true}

	s := newTestSyncer(source, &fakeReconciler{}, cp)
	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, source.calls, 1)
	require.Equal(t, last, source.calls[0].window.Start)
	require.Equal(t, now, source.calls[0].window.End)
}

func TestWindowDefaultsToLookbackWithoutCheckpoint(t *testing.T) {
	source := &fakeSource{pages: map[int]*pncp.Page{1: {TotalPages: 1}}}
	cp := &fakeCheckpoints{}

	s := newTestSyncer(source, &fakeReconciler{}, cp)
	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, now.Add(-30*24*time.Hour), source.calls[0].window.Start)
}

func TestWindowExplicitInputWins(t *testing.T) {
	source := &fakeSource{pages: map[int]*pncp.Page{1: {TotalPages: 1}}}
	cp := &fakeCheckpoints{last: time.Now(), has: true}

	s := newTestSyncer(source, &fakeReconciler{}, cp)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Run(context.Background(), Options{Start: &start, End: &end})
	require.NoError(t, err)

	require.Equal(t, start, source.calls[0].window.Start)
	require.Equal(t, end, source.calls[0].window.End)
}

func TestWindowRejectsInvertedRange(t *testing.T) {
	source := &fakeSource{}
	s := newTestSyncer(source, &fakeReconciler{}, &fakeCheckpoints{})

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Run(context.Background(), Options{Start: &start, End: &end})
	require.Error(t, err)
	require.Empty(t, source.calls)
}

func TestCheckpointIsCompletionTime(t *testing.T) {
	source := &fakeSource{pages: map[int]*pncp.Page{1: {TotalPages: 1}}}
	cp := &fakeCheckpoints{}

	s := newTestSyncer(source, &fakeReconciler{}, cp)
	now := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Run(context.Background(), Options{Start: &start, End: &end})
	require.NoError(t, err)

	require.Equal(t, []time.Time{now}, cp.saved, "checkpoint records completion time, not the window end")
}

func TestRunRejectsConcurrentTrigger(t *testing.T) {
	s := newTestSyncer(&fakeSource{}, &fakeReconciler{}, &fakeCheckpoints{})
	s.running.Store(true)

	_, err := s.Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrRunInProgress)
}

func TestPreviewPageBypassesCheckpoint(t *testing.T) {
	source := &fakeSource{pages: map[int]*pncp.Page{
		2: {Records: records("a", "b")},
	}}
	cp := &fakeCheckpoints{}
	s := newTestSyncer(source, &fakeReconciler{}, cp)

	window := pncp.Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	}
	count, err := s.PreviewPage(context.Background(), window, 8, 2)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Empty(t, cp.saved)
	require.Equal(t, 2, source.calls[0].page)
}

func TestRepairReindexesStaleTenders(t *testing.T) {
	repair := &fakeRepairStore{batches: [][]models.Tender{
		{{ExternalID: "a"}, {ExternalID: "b"}},
	}}
	idx := &fakeIndexer{ok: true}

	s := New(Config{
		Source:      &fakeSource{},
		Reconciler:  &fakeReconciler{},
		Checkpoints: &fakeCheckpoints{},
		RepairStore: repair,
		Indexer:     idx,
	})

	count, err := s.Repair(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 2, idx.count)
}

func TestRepairStopsWhenNothingConverges(t *testing.T) {
	stale := []models.Tender{{ExternalID: "a"}}
	repair := &fakeRepairStore{batches: [][]models.Tender{stale, stale, stale}}
	idx := &fakeIndexer{ok: false}

	s := New(Config{
		Source:      &fakeSource{},
		Reconciler:  &fakeReconciler{},
		Checkpoints: &fakeCheckpoints{},
		RepairStore: repair,
		Indexer:     idx,
	})

	count, err := s.Repair(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
