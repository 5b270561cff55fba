// Package extract wraps the external HTML-to-structured-fields extraction
// service. One call per document, bounded timeout, no in-process retry: a
// failed extraction surfaces as an Error and the execution ends.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/provider-ingest/internal/config"
	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/resilience"
)

// Client defines the extraction service operations.
type Client interface {
	// Extract sends a document's raw content to the extraction service and
	// returns the structured fields it produced.
	Extract(ctx context.Context, doc *model.ScrapedDocument) (*model.StructuredFields, error)
}

// Error is an extraction failure. Transient distinguishes infrastructure
// faults worth an operator retry from permanently bad input.
type Error struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("extract: status %d: %s", e.StatusCode, e.Message)
	}
	return "extract: " + e.Message
}

// request is the POST /extract payload.
type request struct {
	Document requestDocument `json:"document"`
	Params   requestParams   `json:"params"`
}

type requestDocument struct {
	Source  string `json:"source"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type requestParams struct {
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
	Model        string `json:"model"`
}

// response is the extraction service's reply envelope.
type response struct {
	Fields *model.StructuredFields `json:"fields"`
	Error  string                  `json:"error,omitempty"`
}

// Option configures the extraction client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithLimiter sets a custom outbound rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

type httpClient struct {
	cfg     config.ExtractorConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an extraction client from config.
func NewClient(cfg config.ExtractorConfig, opts ...Option) Client {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	c := &httpClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout(),
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Extract(ctx context.Context, doc *model.ScrapedDocument) (*model.StructuredFields, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "extract: rate limit wait")
	}

	payload, err := json.Marshal(request{
		Document: requestDocument{
			Source:  doc.Source,
			URL:     doc.SourceURL,
			Content: doc.RawContent,
		},
		Params: requestParams{
			ChunkSize:    c.cfg.ChunkSize,
			ChunkOverlap: c.cfg.ChunkOverlap,
			Model:        c.cfg.Model,
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/extract", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "extract: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Message: err.Error(), Transient: resilience.IsTransient(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "read body: " + err.Error(), Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Transient:  resilience.IsTransientHTTPStatus(resp.StatusCode),
		}
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "invalid response: " + err.Error()}
	}
	if out.Error != "" {
		return nil, &Error{StatusCode: resp.StatusCode, Message: out.Error}
	}
	if out.Fields == nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "response missing fields"}
	}

	return out.Fields, nil
}
