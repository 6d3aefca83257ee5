package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/openfab-lab/autonomy/internal/errcode"
	"github.com/openfab-lab/autonomy/internal/observability"
)

const defaultCallTimeout = 60 * time.Second

// httpClient is the shared transport under every collaborator adapter: one
// bounded-timeout HTTP client behind a circuit breaker, JSON in and out,
// failures mapped onto the error taxonomy.
type httpClient struct {
	service string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func newHTTPClient(service, baseURL string, timeout time.Duration, log *zap.Logger) *httpClient {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &httpClient{
		service: service,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    service,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("collaborator breaker state change",
					zap.String("service", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		log: log,
	}
}

// call POSTs req as JSON to path and decodes the response into out.
// A nil req sends GET.
func (c *httpClient) call(ctx context.Context, path string, req, out any) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, path, req, out)
	})
	observability.CollaboratorLatency.WithLabelValues(c.service).Observe(time.Since(start).Seconds())

	if err == nil {
		observability.CollaboratorCalls.WithLabelValues(c.service, "ok").Inc()
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.CollaboratorCalls.WithLabelValues(c.service, "breaker_open").Inc()
		return errcode.Wrap(errcode.ExternalUnavailable, err, "%s circuit open", c.service)
	}
	observability.CollaboratorCalls.WithLabelValues(c.service, string(errcode.CodeOf(err))).Inc()
	return err
}

func (c *httpClient) do(ctx context.Context, path string, reqBody, out any) error {
	var body io.Reader
	method := http.MethodGet
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return errcode.Wrap(errcode.ExternalTimeout, err, "%s %s", c.service, path)
		}
		return errcode.Wrap(errcode.ExternalUnavailable, err, "%s %s", c.service, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errcode.New(errcode.ExternalUnavailable, "%s %s: status %d", c.service, path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return errcode.New(errcode.ExternalInvalidResponse, "%s %s: status %d", c.service, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errcode.Wrap(errcode.ExternalInvalidResponse, err, "%s %s: bad body", c.service, path)
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// --- Research ---

// HTTPResearch talks to the research collaborator service.
type HTTPResearch struct{ c *httpClient }

func NewHTTPResearch(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPResearch {
	return &HTTPResearch{c: newHTTPClient("research", baseURL, timeout, log)}
}

func (r *HTTPResearch) Gather(ctx context.Context, query string, budgetUSD decimal.Decimal) (*GatherResult, error) {
	var out GatherResult
	err := r.c.call(ctx, "/gather", map[string]any{
		"query":      query,
		"budget_usd": budgetUSD,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPResearch) Synthesize(ctx context.Context, inputs []string, modelHint string) (*SynthesizeResult, error) {
	var out SynthesizeResult
	err := r.c.call(ctx, "/synthesize", map[string]any{
		"inputs":     inputs,
		"model_hint": modelHint,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Knowledge base writer ---

type HTTPKBWriter struct{ c *httpClient }

func NewHTTPKBWriter(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPKBWriter {
	return &HTTPKBWriter{c: newHTTPClient("kb_writer", baseURL, timeout, log)}
}

func (w *HTTPKBWriter) CreateArticle(ctx context.Context, slug, markdown string, frontmatter map[string]any) (*ArticleRef, error) {
	var out ArticleRef
	err := w.c.call(ctx, "/articles", map[string]any{
		"slug":        slug,
		"markdown":    markdown,
		"frontmatter": frontmatter,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (w *HTTPKBWriter) AppendCommit(ctx context.Context, message string) (string, error) {
	var out struct {
		CommitRef string `json:"commit_ref"`
	}
	err := w.c.call(ctx, "/commit", map[string]any{"message": message}, &out)
	if err != nil {
		return "", err
	}
	return out.CommitRef, nil
}

// --- Fabrication ---

type HTTPFabrication struct{ c *httpClient }

func NewHTTPFabrication(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPFabrication {
	return &HTTPFabrication{c: newHTTPClient("fabrication", baseURL, timeout, log)}
}

func (f *HTTPFabrication) QueuePrint(ctx context.Context, spec map[string]any) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	err := f.c.call(ctx, "/prints", map[string]any{"spec": spec}, &out)
	if err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (f *HTTPFabrication) PrintOutcome(ctx context.Context, jobID string) (*PrintOutcome, error) {
	var out PrintOutcome
	if err := f.c.call(ctx, "/prints/"+jobID+"/outcome", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Metrics probe ---

type HTTPMetricsProbe struct{ c *httpClient }

func NewHTTPMetricsProbe(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPMetricsProbe {
	return &HTTPMetricsProbe{c: newHTTPClient("metrics_probe", baseURL, timeout, log)}
}

func (p *HTTPMetricsProbe) MaterialsCountForSlug(ctx context.Context, slug string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := p.c.call(ctx, "/materials/"+slug+"/count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (p *HTTPMetricsProbe) FailuresByReason(ctx context.Context, since, until time.Time) (map[string]int, error) {
	var out struct {
		Failures map[string]int `json:"failures"`
	}
	err := p.c.call(ctx, "/failures", map[string]any{
		"since": since,
		"until": until,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Failures, nil
}

func (p *HTTPMetricsProbe) FailureCostStats(ctx context.Context, since, until time.Time) (*FailureCostStats, error) {
	var out FailureCostStats
	err := p.c.call(ctx, "/failures/stats", map[string]any{
		"since": since,
		"until": until,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPMetricsProbe) TierSpendFraction(ctx context.Context, since, until time.Time) (float64, error) {
	var out struct {
		Fraction float64 `json:"fraction"`
	}
	err := p.c.call(ctx, "/spend/tier-fraction", map[string]any{
		"since": since,
		"until": until,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Fraction, nil
}

func (p *HTTPMetricsProbe) TotalSpend(ctx context.Context, since, until time.Time) (decimal.Decimal, error) {
	var out struct {
		TotalUSD decimal.Decimal `json:"total_usd"`
	}
	err := p.c.call(ctx, "/spend/total", map[string]any{
		"since": since,
		"until": until,
	}, &out)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return out.TotalUSD, nil
}
