package reconcile

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opentenders/radar/backend/internal/models"
)

// DocumentWriter is the slice of the search client the indexer needs.
type DocumentWriter interface {
	IndexTender(ctx context.Context, doc models.TenderDocument) error
}

// StatusStore persists the per-tender indexing status.
type StatusStore interface {
	MarkIndexed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Indexer projects reconciled tenders into the search index. Indexing is
// best-effort relative to the reconciliation write: failures are logged and
// reported as false, never propagated.
type Indexer struct {
	docs   DocumentWriter
	status StatusStore
	log    *slog.Logger
	now    func() time.Time
}

// NewIndexer wires the indexer to a search client and a status store.
func NewIndexer(docs DocumentWriter, status StatusStore, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Indexer{docs: docs, status: status, log: log, now: time.Now}
}

// Index upserts the tender's document and records the indexing status on
// success. Returns whether the document made it into the index.
func (ix *Indexer) Index(ctx context.Context, t *models.Tender) bool {
	doc := models.NewTenderDocument(*t)

	if err := ix.docs.IndexTender(ctx, doc); err != nil {
		ix.log.Warn("index tender failed",
			slog.String("external_id", t.ExternalID),
			slog.Any("err", err),
		)
		return false
	}

	at := ix.now().UTC()
	if err := ix.status.MarkIndexed(ctx, t.ID, at); err != nil {
		// The document is in the index; the stale flag will be repaired
		// by the next re-index pass.
		ix.log.Warn("persist index status failed",
			slog.String("external_id", t.ExternalID),
			slog.Any("err", err),
		)
		return true
	}

	t.Indexed = true
	t.IndexedAt = &at
	ix.log.Debug("tender indexed", slog.String("external_id", t.ExternalID))
	return true
}
