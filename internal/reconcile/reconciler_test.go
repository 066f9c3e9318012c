package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opentenders/radar/backend/internal/models"
)

type stubStore struct {
	tenders   map[string]*models.Tender
	createErr error
	updateErr error
	creates   int
	updates   int
}

func newStubStore() *stubStore {
	return &stubStore{tenders: make(map[string]*models.Tender)}
}

func (s *stubStore) GetByExternalID(_ context.Context, externalID string) (*models.Tender, error) {
	t, ok := s.tenders[externalID]
	if !ok {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

func (s *stubStore) Create(_ context.Context, t *models.Tender) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.creates++
	copied := *t
	s.tenders[t.ExternalID] = &copied
	return nil
}

func (s *stubStore) Update(_ context.Context, t *models.Tender) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates++
	copied := *t
	s.tenders[t.ExternalID] = &copied
	return nil
}

type stubIndexer struct {
	indexed []string
	ok      bool
}

func (s *stubIndexer) Index(_ context.Context, t *models.Tender) bool {
	s.indexed = append(s.indexed, t.ExternalID)
	return s.ok
}

func sampleRecord() models.RawRecord {
	return models.RawRecord{
		"numeroControlePNCP":     "00038000000199-1-000123/2024",
		"id":                     "999",
		"objetoCompra":           "Aquisição de computadores",
		"informacaoComplementar": "Estações de trabalho para a secretaria",
		"valorTotalEstimado":     150000.5,
		"modalidadeNome":         "Pregão Eletrônico",
		"situacaoCompraNome":     "Divulgada no PNCP",
		"dataPublicacaoPncp":     "2024-03-01T10:00:00",
		"dataAberturaProposta":   "2024-03-15T09:00:00",
		"orgaoEntidade": map[string]any{
			"razaoSocial": "Prefeitura Municipal",
			"cnpj":        "00038000000199",
		},
		"unidadeOrgao": map[string]any{
			"municipioNome": "Campinas",
			"ufSigla":       "SP",
		},
	}
}

func newTestReconciler(store TenderStore, idx TenderIndexer) *Reconciler {
	return New(store, idx, nil)
}

func TestReconcileCreatesTender(t *testing.T) {
	store := newStubStore()
	idx := &stubIndexer{ok: true}
	rec := newTestReconciler(store, idx)

	tender, err := rec.Reconcile(context.Background(), sampleRecord())
	require.NoError(t, err)
	require.NotNil(t, tender)

	require.Equal(t, "00038000000199-1-000123/2024", tender.ExternalID)
	require.Equal(t, models.SourcePNCP, tender.Source)
	require.Equal(t, "Aquisição de computadores", tender.Subject)
	require.Equal(t, "Pregão Eletrônico", tender.Category)
	require.Equal(t, "Prefeitura Municipal", tender.OrgName)
	require.Equal(t, "Campinas", tender.Municipality)
	require.Equal(t, "SP", tender.RegionCode)
	require.True(t, tender.EstimatedValue.Valid)
	require.Equal(t, "150000.5", tender.EstimatedValue.Decimal.String())
	require.NotNil(t, tender.PublishedAt)
	require.Equal(t, 2024, tender.PublishedAt.Year())
	require.NotNil(t, tender.OpensAt)
	require.NotEmpty(t, tender.RawPayload)

	require.Equal(t, 1, store.creates)
	require.Equal(t, 0, store.updates)
	require.Equal(t, []string{tender.ExternalID}, idx.indexed)
}

func TestReconcileIdempotentUpsert(t *testing.T) {
	store := newStubStore()
	idx := &stubIndexer{ok: true}
	rec := newTestReconciler(store, idx)

	raw := sampleRecord()
	first, err := rec.Reconcile(context.Background(), raw)
	require.NoError(t, err)

	raw["situacaoCompraNome"] = "Encerrada"
	second, err := rec.Reconcile(context.Background(), raw)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "Encerrada", second.Status)
	require.Equal(t, 1, store.creates)
	require.Equal(t, 1, store.updates)
	require.Len(t, store.tenders, 1)
}

func TestReconcileControlNumberPrecedence(t *testing.T) {
	store := newStubStore()
	rec := newTestReconciler(store, &stubIndexer{ok: true})

	raw := sampleRecord() // carries both numeroControlePNCP and id
	tender, err := rec.Reconcile(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "00038000000199-1-000123/2024", tender.ExternalID)
}

func TestReconcileGenericIDFallback(t *testing.T) {
	store := newStubStore()
	rec := newTestReconciler(store, &stubIndexer{ok: true})

	raw := sampleRecord()
	delete(raw, "numeroControlePNCP")
	tender, err := rec.Reconcile(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "999", tender.ExternalID)
}

func TestReconcileSkipsRecordWithoutID(t *testing.T) {
	store := newStubStore()
	rec := newTestReconciler(store, &stubIndexer{ok: true})

	raw := sampleRecord()
	delete(raw, "numeroControlePNCP")
	delete(raw, "id")

	tender, err := rec.Reconcile(context.Background(), raw)
	require.NoError(t, err)
	require.Nil(t, tender)
	require.Equal(t, 0, store.creates)
}

func TestReconcilePublicationDatePrecedence(t *testing.T) {
	store := newStubStore()
	rec := newTestReconciler(store, &stubIndexer{ok: true})

	raw := sampleRecord()
	raw["dataPublicacaoPncp"] = "2024-03-01T10:00:00"
	raw["dataPublicacao"] = "2024-02-01T10:00:00"
	raw["dataInclusao"] = "2024-01-01T10:00:00"

	tender, err := rec.Reconcile(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, tender.PublishedAt)
	require.Equal(t, time.March, tender.PublishedAt.Month())
}

func TestReconcileFallsThroughUnparseableDate(t *testing.T) {
	store := newStubStore()
	rec := newTestReconciler(store, &stubIndexer{ok: true})

	raw := sampleRecord()
	raw["dataPublicacaoPncp"] = "not-a-date"
	raw["dataPublicacao"] = "2024-02-01T10:00:00"

	tender, err := rec.Reconcile(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, tender.PublishedAt)
	require.Equal(t, time.February, tender.PublishedAt.Month())
}

func TestReconcileUpdateNeverNullsFields(t *testing.T) {
	store := newStubStore()
	rec := newTestReconciler(store, &stubIndexer{ok: true})

	first, err := rec.Reconcile(context.Background(), sampleRecord())
	require.NoError(t, err)

	sparse := models.RawRecord{
		"numeroControlePNCP": first.ExternalID,
		"situacaoCompraNome": "Homologada",
	}
	updated, err := rec.Reconcile(context.Background(), sparse)
	require.NoError(t, err)

	require.Equal(t, "Homologada", updated.Status)
	require.Equal(t, first.Subject, updated.Subject)
	require.Equal(t, first.OrgName, updated.OrgName)
	require.True(t, updated.EstimatedValue.Valid)
	require.NotNil(t, updated.PublishedAt)
	require.True(t, updated.UpdatedAt.After(first.UpdatedAt) || updated.UpdatedAt.Equal(first.UpdatedAt))
}

func TestReconcilePropagatesStorageFailure(t *testing.T) {
	store := newStubStore()
	store.createErr = errors.New("insert failed")
	idx := &stubIndexer{ok: true}
	rec := newTestReconciler(store, idx)

	tender, err := rec.Reconcile(context.Background(), sampleRecord())
	require.Error(t, err)
	require.Nil(t, tender)
	require.Empty(t, idx.indexed, "failed writes must not be indexed")
}

func TestReconcileSurvivesIndexingFailure(t *testing.T) {
	store := newStubStore()
	idx := &stubIndexer{ok: false}
	rec := newTestReconciler(store, idx)

	tender, err := rec.Reconcile(context.Background(), sampleRecord())
	require.NoError(t, err)
	require.NotNil(t, tender)
	require.False(t, tender.Indexed)
	require.Equal(t, 1, store.creates)
}
