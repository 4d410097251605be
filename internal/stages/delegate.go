// Package stages holds the six pipeline stage workers. Each worker makes one
// delegated external call (an LLM service, a test runner, an artifact build)
// through the Delegate client and classifies the result as a success, an
// expected business failure, or an infrastructure failure.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/forgeline/forgeline/internal/domain"
	"github.com/forgeline/forgeline/pkg/retry"
	"github.com/forgeline/forgeline/pkg/telemetry"
)

// DelegateResponse is the wire shape every stage capability returns.
// Accepted=false is a business outcome, not an error; the detail explains it.
type DelegateResponse struct {
	Accepted  bool            `json:"accepted"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	CostUnits float64         `json:"cost_units,omitempty"`
}

// Delegate invokes the external capability behind a stage. Invoke must be
// safe to replay with the same input: infrastructure-failure retries resend it.
type Delegate interface {
	Invoke(ctx context.Context, stage domain.Stage, input json.RawMessage) (*DelegateResponse, error)
}

// HTTPDelegate calls stage capabilities over HTTP:
// POST {base}/v1/stages/{stage}.
type HTTPDelegate struct {
	client  *http.Client
	baseURL string
}

// NewHTTPDelegate creates a Delegate against the given capability base URL.
// Per-call deadlines come from the caller's context, not the client.
func NewHTTPDelegate(baseURL string) *HTTPDelegate {
	return &HTTPDelegate{
		client:  &http.Client{},
		baseURL: baseURL,
	}
}

func (d *HTTPDelegate) Invoke(ctx context.Context, stage domain.Stage, input json.RawMessage) (*DelegateResponse, error) {
	ctx, span := otel.Tracer("stages").Start(ctx, "delegate.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("stage", string(stage)))

	url := fmt.Sprintf("%s/v1/stages/%s", d.baseURL, stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build delegate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("delegate call for %s: %w", stage, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("delegate for %s returned status %d", stage, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read delegate response: %w", err)
	}
	var out DelegateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode delegate response for %s: %w", stage, err)
	}
	return &out, nil
}

// invokeWithRetry wraps a delegate call with bounded backoff at the worker
// boundary. Only the call erroring is retried; a business rejection in the
// response is returned untouched.
func invokeWithRetry(ctx context.Context, d Delegate, stage domain.Stage,
	input json.RawMessage, attempts int, baseDelay time.Duration) (*DelegateResponse, error) {

	var resp *DelegateResponse
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: attempts,
		BaseDelay:   baseDelay,
		MaxDelay:    30 * time.Second,
		OnRetry: func(_ int, _ error) {
			telemetry.RunnerRetriesTotal.WithLabelValues(string(stage)).Inc()
		},
	}, func() error {
		var callErr error
		resp, callErr = d.Invoke(ctx, stage, input)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
