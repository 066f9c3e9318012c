package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SourcePNCP tags records synchronized from the national procurement portal.
const SourcePNCP = "pncp"

// Tender is the persisted procurement record. ExternalID is the reconciliation
// key and never changes after the row is created. Indexed/IndexedAt are owned
// by the search indexer and track the eventually-consistent projection into
// Elasticsearch.
type Tender struct {
	ID             uuid.UUID
	ExternalID     string
	Source         string
	Subject        string
	Description    string
	EstimatedValue decimal.NullDecimal
	Category       string
	Status         string
	PublishedAt    *time.Time
	OpensAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	OrgName        string
	OrgID          string
	Municipality   string
	RegionCode     string
	RawPayload     string
	Indexed        bool
	IndexedAt      *time.Time
}

// TenderDocument is the write-only projection stored in the search index.
// Its document id is the tender primary key.
type TenderDocument struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"external_id"`
	Source         string     `json:"source"`
	Subject        string     `json:"subject"`
	Description    string     `json:"description,omitempty"`
	EstimatedValue *float64   `json:"estimated_value,omitempty"`
	Category       string     `json:"category,omitempty"`
	Status         string     `json:"status,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	OpensAt        *time.Time `json:"opens_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	OrgName        string     `json:"org_name,omitempty"`
	OrgID          string     `json:"org_id,omitempty"`
	Municipality   string     `json:"municipality,omitempty"`
	RegionCode     string     `json:"region_code,omitempty"`
	Raw            any        `json:"raw,omitempty"`
}

// NewTenderDocument projects a tender into its index document. The stored raw
// payload is re-parsed into a structured sub-object; if that fails the string
// is carried as-is.
func NewTenderDocument(t Tender) TenderDocument {
	doc := TenderDocument{
		ID:           t.ID.String(),
		ExternalID:   t.ExternalID,
		Source:       t.Source,
		Subject:      t.Subject,
		Description:  t.Description,
		Category:     t.Category,
		Status:       t.Status,
		PublishedAt:  t.PublishedAt,
		OpensAt:      t.OpensAt,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		OrgName:      t.OrgName,
		OrgID:        t.OrgID,
		Municipality: t.Municipality,
		RegionCode:   t.RegionCode,
	}

	if t.EstimatedValue.Valid {
		v, _ := t.EstimatedValue.Decimal.Float64()
		doc.EstimatedValue = &v
	}

	if t.RawPayload != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(t.RawPayload), &parsed); err == nil {
			doc.Raw = parsed
		} else {
			doc.Raw = t.RawPayload
		}
	}

	return doc
}
