package reconcile

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opentenders/radar/backend/internal/models"
)

// Raw field names used by the remote source. The publication date may arrive
// under any of three keys; publishedAtKeys lists them in priority order.
const (
	keyControlNumber = "numeroControlePNCP"
	keyGenericID     = "id"
	keySubject       = "objetoCompra"
	keyDescription   = "informacaoComplementar"
	keyValue         = "valorTotalEstimado"
	keyCategory      = "modalidadeNome"
	keyStatus        = "situacaoCompraNome"
	keyOpensAt       = "dataAberturaProposta"
	keyOrg           = "orgaoEntidade"
	keyOrgName       = "razaoSocial"
	keyOrgID         = "cnpj"
	keyUnit          = "unidadeOrgao"
	keyMunicipality  = "municipioNome"
	keyRegion        = "ufSigla"
)

var publishedAtKeys = []string{"dataPublicacaoPncp", "dataPublicacao", "dataInclusao"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// TenderStore is the repository slice the reconciler needs.
type TenderStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*models.Tender, error)
	Create(ctx context.Context, t *models.Tender) error
	Update(ctx context.Context, t *models.Tender) error
}

// TenderIndexer pushes a reconciled tender into the search index.
type TenderIndexer interface {
	Index(ctx context.Context, t *models.Tender) bool
}

// Reconciler applies raw source records to local storage: create when the
// external id is unseen, update otherwise. Idempotent per external id.
type Reconciler struct {
	store   TenderStore
	indexer TenderIndexer
	log     *slog.Logger
	now     func() time.Time
}

// New builds a reconciler.
func New(store TenderStore, indexer TenderIndexer, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{store: store, indexer: indexer, log: log, now: time.Now}
}

// Reconcile creates or updates the tender for one raw record and hands it to
// the indexer. A record without a derivable external id is skipped: the return
// is (nil, nil) and the caller must not count it as processed. Persistence
// failures are returned to the caller, which isolates them per record.
func (r *Reconciler) Reconcile(ctx context.Context, raw models.RawRecord) (*models.Tender, error) {
	externalID := deriveExternalID(raw)
	if externalID == "" {
		r.log.Warn("record without control number or id, skipping")
		return nil, nil
	}

	existing, err := r.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	var tender *models.Tender
	if existing == nil {
		tender, err = r.create(ctx, externalID, raw)
	} else {
		tender, err = r.update(ctx, existing, raw)
	}
	if err != nil {
		return nil, err
	}

	// Best-effort: a failed index write leaves the tender durably reconciled
	// and flagged for the repair pass.
	r.indexer.Index(ctx, tender)

	return tender, nil
}

func (r *Reconciler) create(ctx context.Context, externalID string, raw models.RawRecord) (*models.Tender, error) {
	now := r.now().UTC()

	t := &models.Tender{
		ID:           uuid.New(),
		ExternalID:   externalID,
		Source:       models.SourcePNCP,
		Subject:      raw.Str(keySubject),
		Description:  raw.Str(keyDescription),
		Category:     raw.Str(keyCategory),
		Status:       raw.Str(keyStatus),
		PublishedAt:  r.parsePublishedAt(raw, externalID),
		OpensAt:      r.parseTimeField(raw, keyOpensAt, externalID),
		CreatedAt:    now,
		UpdatedAt:    now,
		OrgName:      raw.NestedStr(keyOrg, keyOrgName),
		OrgID:        raw.NestedStr(keyOrg, keyOrgID),
		Municipality: raw.NestedStr(keyUnit, keyMunicipality),
		RegionCode:   raw.NestedStr(keyUnit, keyRegion),
		RawPayload:   raw.Payload(),
	}

	if v, ok := raw.Decimal(keyValue); ok {
		t.EstimatedValue.Decimal = v
		t.EstimatedValue.Valid = true
	}

	if err := r.store.Create(ctx, t); err != nil {
		return nil, err
	}

	r.log.Debug("tender created", slog.String("external_id", externalID))
	return t, nil
}

// update overwrites fields only when the record carries a value; absent fields
// keep their previous value and are never nulled. The raw payload and
// updated_at always refresh.
func (r *Reconciler) update(ctx context.Context, t *models.Tender, raw models.RawRecord) (*models.Tender, error) {
	if s := raw.Str(keySubject); s != "" {
		t.Subject = s
	}
	if s := raw.Str(keyDescription); s != "" {
		t.Description = s
	}
	if s := raw.Str(keyCategory); s != "" {
		t.Category = s
	}
	if s := raw.Str(keyStatus); s != "" {
		t.Status = s
	}
	if v, ok := raw.Decimal(keyValue); ok {
		t.EstimatedValue.Decimal = v
		t.EstimatedValue.Valid = true
	}
	if ts := r.parsePublishedAt(raw, t.ExternalID); ts != nil {
		t.PublishedAt = ts
	}
	if ts := r.parseTimeField(raw, keyOpensAt, t.ExternalID); ts != nil {
		t.OpensAt = ts
	}
	if s := raw.NestedStr(keyOrg, keyOrgName); s != "" {
		t.OrgName = s
	}
	if s := raw.NestedStr(keyOrg, keyOrgID); s != "" {
		t.OrgID = s
	}
	if s := raw.NestedStr(keyUnit, keyMunicipality); s != "" {
		t.Municipality = s
	}
	if s := raw.NestedStr(keyUnit, keyRegion); s != "" {
		t.RegionCode = s
	}

	t.RawPayload = raw.Payload()
	t.UpdatedAt = r.now().UTC()

	if err := r.store.Update(ctx, t); err != nil {
		return nil, err
	}

	r.log.Debug("tender updated", slog.String("external_id", t.ExternalID))
	return t, nil
}

// parsePublishedAt tries the candidate publication keys in priority order and
// returns the first parseable value.
func (r *Reconciler) parsePublishedAt(raw models.RawRecord, externalID string) *time.Time {
	for _, key := range publishedAtKeys {
		if ts := r.parseTimeField(raw, key, externalID); ts != nil {
			return ts
		}
	}
	return nil
}

func (r *Reconciler) parseTimeField(raw models.RawRecord, key, externalID string) *time.Time {
	value := raw.Str(key)
	if value == "" {
		return nil
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return &ts
		}
	}

	r.log.Warn("unparseable date field",
		slog.String("external_id", externalID),
		slog.String("field", key),
		slog.String("value", value),
	)
	return nil
}

func deriveExternalID(raw models.RawRecord) string {
	if id := raw.Str(keyControlNumber); id != "" {
		return id
	}
	return strings.TrimSpace(raw.Str(keyGenericID))
}
