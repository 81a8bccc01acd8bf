package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kon-rad/appinsights/contracts"
)

const DefaultEndpoint = "https://dc.services.visualstudio.com/v2/track"

const defaultMaxPayloadBytes = 5 * 1024 * 1024

// trackResponse is the ingestion endpoint's reply; on 206 it lists the
// items that were rejected.
type trackResponse struct {
	ItemsReceived int `json:"itemsReceived"`
	ItemsAccepted int `json:"itemsAccepted"`
	Errors        []struct {
		Index      int    `json:"index"`
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
	} `json:"errors"`
}

// HTTPTransport posts gzip-compressed JSON batches to the track endpoint.
type HTTPTransport struct {
	endpoint        string
	client          *http.Client
	maxPayloadBytes int
}

type HTTPOption func(*HTTPTransport)

// WithClient substitutes the underlying http.Client, mainly for tests.
func WithClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithMaxPayloadBytes bounds the uncompressed size of a single POST; larger
// batches are split into several requests.
func WithMaxPayloadBytes(n int) HTTPOption {
	return func(t *HTTPTransport) {
		if n > 0 {
			t.maxPayloadBytes = n
		}
	}
}

func NewHTTP(endpoint string, opts ...HTTPOption) *HTTPTransport {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	t := &HTTPTransport{
		endpoint:        endpoint,
		client:          &http.Client{Timeout: 30 * time.Second},
		maxPayloadBytes: defaultMaxPayloadBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Send(ctx context.Context, items []*contracts.Envelope) (Outcome, error) {
	if len(items) == 0 {
		return OutcomeSuccess, nil
	}
	bodies, err := t.buildBodies(items)
	if err != nil {
		return OutcomeFatal, fmt.Errorf("encode batch: %w", err)
	}
	for _, body := range bodies {
		if outcome, err := t.post(ctx, body); outcome != OutcomeSuccess {
			return outcome, err
		}
	}
	return OutcomeSuccess, nil
}

// buildBodies marshals the batch into one or more JSON arrays, each bounded
// by maxPayloadBytes of uncompressed JSON. A single oversized envelope still
// goes out as its own body.
func (t *HTTPTransport) buildBodies(items []*contracts.Envelope) ([][]byte, error) {
	const baseEnvelope = len(`[]`)

	out := make([][]byte, 0, 1)
	cur := make([]*contracts.Envelope, 0, len(items))
	curSize := baseEnvelope

	flush := func() error {
		if len(cur) == 0 {
			return nil
		}
		body, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		out = append(out, body)
		cur = cur[:0]
		curSize = baseEnvelope
		return nil
	}

	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		additional := len(raw)
		if len(cur) > 0 {
			additional++
		}

		if len(cur) > 0 && curSize+additional > t.maxPayloadBytes {
			if err := flush(); err != nil {
				return nil, err
			}
			additional = len(raw)
		}

		cur = append(cur, item)
		curSize += additional

		if len(cur) == 1 && curSize > t.maxPayloadBytes {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) (Outcome, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return OutcomeFatal, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return OutcomeFatal, fmt.Errorf("compress payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &buf)
	if err != nil {
		return OutcomeFatal, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return OutcomeRetriable, fmt.Errorf("post batch: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		return OutcomeSuccess, nil
	case resp.StatusCode == http.StatusPartialContent:
		return t.classifyPartial(resp.Body)
	case retriableStatus(resp.StatusCode):
		return OutcomeRetriable, fmt.Errorf("track status %d", resp.StatusCode)
	default:
		return OutcomeFatal, fmt.Errorf("track status %d", resp.StatusCode)
	}
}

func (t *HTTPTransport) classifyPartial(body io.Reader) (Outcome, error) {
	var tr trackResponse
	if err := json.NewDecoder(body).Decode(&tr); err != nil {
		return OutcomeRetriable, fmt.Errorf("partial accept, unreadable response: %w", err)
	}
	rejected := tr.ItemsReceived - tr.ItemsAccepted
	for _, e := range tr.Errors {
		if retriableStatus(e.StatusCode) {
			return OutcomeRetriable, fmt.Errorf("partial accept, %d of %d rejected (first: status %d %s)",
				rejected, tr.ItemsReceived, e.StatusCode, e.Message)
		}
	}
	return OutcomeFatal, fmt.Errorf("partial accept, %d of %d rejected permanently", rejected, tr.ItemsReceived)
}

func retriableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		439, // rate limited by the ingestion service
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
