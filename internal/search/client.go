package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/opentenders/radar/backend/internal/models"
)

// mapping defines the tenders index: keyword fields for identifiers and enums,
// portuguese-analyzed text for the free-text fields, numeric/date types for
// value and temporal fields. The raw payload is stored but not indexed.
const mapping = `{
  "settings": {
    "analysis": {
      "analyzer": {
        "portuguese": {
          "tokenizer": "standard",
          "filter": ["lowercase", "portuguese_stop", "portuguese_stemmer"]
        }
      },
      "filter": {
        "portuguese_stop": {"type": "stop", "stopwords": "_portuguese_"},
        "portuguese_stemmer": {"type": "stemmer", "language": "portuguese"}
      }
    }
  },
  "mappings": {
    "properties": {
      "id": {"type": "keyword"},
      "external_id": {"type": "keyword"},
      "source": {"type": "keyword"},
      "subject": {
        "type": "text",
        "analyzer": "portuguese",
        "fields": {"keyword": {"type": "keyword", "ignore_above": 256}}
      },
      "description": {"type": "text", "analyzer": "portuguese"},
      "estimated_value": {"type": "double"},
      "category": {
        "type": "text",
        "fields": {"keyword": {"type": "keyword", "ignore_above": 256}}
      },
      "status": {
        "type": "text",
        "fields": {"keyword": {"type": "keyword", "ignore_above": 256}}
      },
      "published_at": {"type": "date"},
      "opens_at": {"type": "date"},
      "created_at": {"type": "date"},
      "updated_at": {"type": "date"},
      "org_name": {
        "type": "text",
        "fields": {"keyword": {"type": "keyword", "ignore_above": 256}}
      },
      "org_id": {"type": "keyword"},
      "municipality": {
        "type": "text",
        "fields": {"keyword": {"type": "keyword", "ignore_above": 256}}
      },
      "region_code": {"type": "keyword"},
      "raw": {"type": "object", "enabled": false}
    }
  }
}`

// Client wraps go-elasticsearch with helpers for the tenders index.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// Hit is one search result with its relevance score.
type Hit struct {
	models.TenderDocument
	Score float64 `json:"score"`
}

// Result bundles hits and total count.
type Result struct {
	Total int64 `json:"total"`
	Items []Hit `json:"items"`
}

// Bucket is one terms-aggregation entry.
type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats aggregates the whole index for the dashboard endpoint.
type Stats struct {
	TotalTenders int64    `json:"total_tenders"`
	ValueSum     float64  `json:"value_sum"`
	ValueAvg     float64  `json:"value_avg"`
	ValueMax     float64  `json:"value_max"`
	ValueMin     float64  `json:"value_min"`
	ByStatus     []Bucket `json:"by_status"`
	ByMonth      []Bucket `json:"by_month"`
}

// New instantiates the Elasticsearch client.
func New(addr, index string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: index, log: logger}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}

	return nil
}

// EnsureIndex creates the tenders index with its mapping unless it exists.
func (c *Client) EnsureIndex(ctx context.Context) error {
	exists := esapi.IndicesExistsRequest{Index: []string{c.index}}
	res, err := exists.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("check index failed: %s", res.Status())
	}

	create := esapi.IndicesCreateRequest{
		Index: c.index,
		Body:  strings.NewReader(mapping),
	}
	createRes, err := create.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer createRes.Body.Close()

	if createRes.IsError() {
		body, _ := io.ReadAll(createRes.Body)
		return fmt.Errorf("create index failed: %s", strings.TrimSpace(string(body)))
	}

	c.log.Info("index created", slog.String("index", c.index))
	return nil
}

// IndexTender upserts a document keyed by the tender primary key.
func (c *Client) IndexTender(ctx context.Context, doc models.TenderDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: doc.ID,
		Body:       bytes.NewReader(payload),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("index doc: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index doc failed: %s", strings.TrimSpace(string(body)))
	}

	return nil
}

// GetDocument fetches one indexed document by id; (nil, nil) when absent.
func (c *Client) GetDocument(ctx context.Context, id string) (map[string]any, error) {
	req := esapi.GetRequest{Index: c.index, DocumentID: id}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("get doc: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("get doc failed: %s", res.Status())
	}

	var parsed struct {
		Source map[string]any `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode doc: %w", err)
	}
	return parsed.Source, nil
}

// Search executes the ranked, filtered query described by params.
func (c *Client) Search(ctx context.Context, params Params) (*Result, error) {
	body := buildSearchBody(params)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Score  float64               `json:"_score"`
				Source models.TenderDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	items := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		items = append(items, Hit{TenderDocument: hit.Source, Score: hit.Score})
	}

	return &Result{
		Total: parsed.Hits.Total.Value,
		Items: items,
	}, nil
}

// Categories returns the distinct categories with document counts.
func (c *Client) Categories(ctx context.Context) ([]Bucket, error) {
	return c.termsAgg(ctx, "category.keyword", 100)
}

// Regions returns the distinct region codes with document counts.
func (c *Client) Regions(ctx context.Context) ([]Bucket, error) {
	return c.termsAgg(ctx, "region_code", 30)
}

func (c *Client) termsAgg(ctx context.Context, field string, size int) ([]Bucket, error) {
	body := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"values": map[string]any{
				"terms": map[string]any{"field": field, "size": size},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal agg body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", field, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("aggregate %s failed: %s", field, strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Aggregations struct {
			Values struct {
				Buckets []struct {
					Key      any   `json:"key"`
					DocCount int64 `json:"doc_count"`
				} `json:"buckets"`
			} `json:"values"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode agg response: %w", err)
	}

	out := make([]Bucket, 0, len(parsed.Aggregations.Values.Buckets))
	for _, b := range parsed.Aggregations.Values.Buckets {
		out = append(out, Bucket{Key: fmt.Sprintf("%v", b.Key), Count: b.DocCount})
	}
	return out, nil
}

// IndexStats computes value aggregates, a by-status breakdown, and a monthly
// publication histogram over the whole index.
func (c *Client) IndexStats(ctx context.Context) (*Stats, error) {
	body := map[string]any{
		"size":             0,
		"track_total_hits": true,
		"aggs": map[string]any{
			"value_sum": map[string]any{"sum": map[string]any{"field": "estimated_value"}},
			"value_avg": map[string]any{"avg": map[string]any{"field": "estimated_value"}},
			"value_max": map[string]any{"max": map[string]any{"field": "estimated_value"}},
			"value_min": map[string]any{"min": map[string]any{"field": "estimated_value"}},
			"by_status": map[string]any{
				"terms": map[string]any{"field": "status.keyword", "size": 10},
			},
			"by_month": map[string]any{
				"date_histogram": map[string]any{
					"field":             "published_at",
					"calendar_interval": "month",
					"format":            "yyyy-MM",
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal stats body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(payload)),
	)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("stats failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
		} `json:"hits"`
		Aggregations struct {
			ValueSum struct {
				Value float64 `json:"value"`
			} `json:"value_sum"`
			ValueAvg struct {
				Value float64 `json:"value"`
			} `json:"value_avg"`
			ValueMax struct {
				Value float64 `json:"value"`
			} `json:"value_max"`
			ValueMin struct {
				Value float64 `json:"value"`
			} `json:"value_min"`
			ByStatus struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"by_status"`
			ByMonth struct {
				Buckets []struct {
					KeyAsString string `json:"key_as_string"`
					DocCount    int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"by_month"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode stats response: %w", err)
	}

	stats := &Stats{
		TotalTenders: parsed.Hits.Total.Value,
		ValueSum:     parsed.Aggregations.ValueSum.Value,
		ValueAvg:     parsed.Aggregations.ValueAvg.Value,
		ValueMax:     parsed.Aggregations.ValueMax.Value,
		ValueMin:     parsed.Aggregations.ValueMin.Value,
	}
	for _, b := range parsed.Aggregations.ByStatus.Buckets {
		stats.ByStatus = append(stats.ByStatus, Bucket{Key: b.Key, Count: b.DocCount})
	}
	for _, b := range parsed.Aggregations.ByMonth.Buckets {
		stats.ByMonth = append(stats.ByMonth, Bucket{Key: b.KeyAsString, Count: b.DocCount})
	}

	return stats, nil
}

// Health reports the cluster health status string (green/yellow/red).
func (c *Client) Health(ctx context.Context) (string, error) {
	res, err := c.es.Cluster.Health(c.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("cluster health bad: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode health response: %w", err)
	}
	return parsed.Status, nil
}
