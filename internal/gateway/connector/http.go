package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"agentgate/pkg/platform/circuit"
)

// maxResponseBytes caps how much of a downstream response is read into the
// execution payload.
const maxResponseBytes = 1 << 20

// probeInterval is how often a request is let through while the breaker is
// open, so recovery of the downstream can be observed.
const probeInterval = 15 * time.Second

// ErrEndpointUnavailable is returned without calling out while the breaker
// is open.
var ErrEndpointUnavailable = fmt.Errorf("action endpoint unavailable")

// HTTP forwards actions as JSON POSTs to a downstream endpoint and returns
// the response body as the execution payload. A circuit breaker guards the
// endpoint so a dead downstream fails fast instead of burning the execution
// timeout on every request.
type HTTP struct {
	endpoint  string
	client    *http.Client
	breaker   *circuit.Breaker
	lastProbe atomic.Int64
}

func NewHTTP(endpoint string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{
		endpoint: endpoint,
		client:   client,
		breaker:  circuit.New("action-endpoint"),
	}
}

// allowProbe claims the probe slot for the current interval. At most one
// request per interval reaches an unhealthy downstream.
func (h *HTTP) allowProbe() bool {
	now := time.Now().UnixNano()
	last := h.lastProbe.Load()
	if now-last < int64(probeInterval) {
		return false
	}
	return h.lastProbe.CompareAndSwap(last, now)
}

type httpEnvelope struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func (h *HTTP) Execute(ctx context.Context, action string, params map[string]any) ([]byte, error) {
	if h.breaker.IsOpen() && !h.allowProbe() {
		return nil, ErrEndpointUnavailable
	}

	body, err := json.Marshal(httpEnvelope{Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode action envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.breaker.RecordFailure()
		return nil, fmt.Errorf("execute action: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		h.breaker.RecordFailure()
		return nil, fmt.Errorf("read action response: %w", err)
	}
	if resp.StatusCode >= 500 {
		h.breaker.RecordFailure()
		return payload, fmt.Errorf("downstream returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 4xx is the downstream rejecting this action, not an outage.
		h.breaker.RecordSuccess()
		return payload, fmt.Errorf("downstream returned status %d", resp.StatusCode)
	}

	h.breaker.RecordSuccess()
	return payload, nil
}
