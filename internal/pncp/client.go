package pncp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opentenders/radar/backend/internal/models"
)

const (
	publicationEndpoint = "v1/contratacoes/publicacao"
	compactDate         = "20060102"
	userAgent           = "tender-radar/1.0"
)

// envelopeKeys lists the accepted response shapes in priority order; the first
// key present wins. A response exposing neither is treated as zero results.
var envelopeKeys = []string{"content", "data"}

// Window is the inclusive publication-date window of a fetch.
type Window struct {
	Start time.Time
	End   time.Time
}

// Page is one normalized page of the paginated source response.
type Page struct {
	Records    []models.RawRecord
	TotalPages int
}

// Client talks to the procurement catalog API. It is stateless across calls
// apart from the shared transport used for connection pooling.
type Client struct {
	http       *http.Client
	baseURL    string
	pageSize   int
	maxRetries int
	retryDelay time.Duration
	log        *slog.Logger
}

// New builds a source client. retries is the attempt cap for a single call,
// retryDelay the backoff base (doubled per attempt).
func New(baseURL string, timeout time.Duration, retries int, retryDelay time.Duration, pageSize int, log *slog.Logger) *Client {
	if retries <= 0 {
		retries = 1
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		pageSize:   pageSize,
		maxRetries: retries,
		retryDelay: retryDelay,
		log:        log,
	}
}

// FetchPage retrieves one page of publications inside the window, filtered by
// modality code. Page numbers are 1-based.
func (c *Client) FetchPage(ctx context.Context, window Window, modality, page int) (*Page, error) {
	params := url.Values{}
	params.Set("dataInicial", window.Start.Format(compactDate))
	params.Set("dataFinal", window.End.Format(compactDate))
	params.Set("codigoModalidadeContratacao", strconv.Itoa(modality))
	params.Set("pagina", strconv.Itoa(page))
	params.Set("tamanhoPagina", strconv.Itoa(c.pageSize))

	body, err := c.get(ctx, publicationEndpoint, params)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}

	return c.normalize(body), nil
}

// FetchDetail looks up a single publication by sequential number and year.
func (c *Client) FetchDetail(ctx context.Context, sequential, year string) (models.RawRecord, error) {
	endpoint := fmt.Sprintf("contratacoes/publicacao/%s/%s", url.PathEscape(sequential), url.PathEscape(year))
	body, err := c.get(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch detail %s/%s: %w", sequential, year, err)
	}
	return models.RawRecord(body), nil
}

// get issues the request with retry and exponential backoff. Exhausting the
// attempt cap surfaces the last error; there is no silent empty result.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (map[string]any, error) {
	target := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retryDelay * (1 << (attempt - 1))
			c.log.Info("retrying source request",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", wait),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := c.doOnce(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		c.log.Warn("source request failed",
			slog.String("url", target),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", c.maxRetries),
			slog.Any("err", err),
		)
	}

	return nil, fmt.Errorf("source unavailable after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, target string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	// 204 is how the source reports an empty window.
	if res.StatusCode == http.StatusNoContent {
		return map[string]any{}, nil
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("unexpected status %s: %s", res.Status, string(data))
	}

	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return body, nil
}

// normalize extracts the record list from whichever envelope key is present.
func (c *Client) normalize(body map[string]any) *Page {
	page := &Page{}

	if tp, ok := body["totalPaginas"].(float64); ok {
		page.TotalPages = int(tp)
	}

	for _, key := range envelopeKeys {
		items, ok := body[key].([]any)
		if !ok {
			continue
		}
		page.Records = make([]models.RawRecord, 0, len(items))
		for _, item := range items {
			if rec, ok := item.(map[string]any); ok {
				page.Records = append(page.Records, models.RawRecord(rec))
			}
		}
		return page
	}

	c.log.Warn("response carries no known envelope key, treating as empty",
		slog.Any("keys", mapKeys(body)),
	)
	return page
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
