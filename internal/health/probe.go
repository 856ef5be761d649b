package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// HTTPProbe GETs a status endpoint that answers {"status", "message"}.
type HTTPProbe struct {
	url    string
	client *http.Client
}

// NewHTTPProbe creates a probe for url. The monitor applies the timeout
// through the request context.
func NewHTTPProbe(url string) *HTTPProbe {
	return &HTTPProbe{url: url, client: &http.Client{}}
}

type probeBody struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Probe implements contracts.HealthProbe. Transport errors and non-2xx
// responses are returned as errors.
func (p *HTTPProbe) Probe(ctx context.Context) (*models.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	latency := time.Since(start).Milliseconds()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("probe %s returned status %d", p.url, resp.StatusCode)
	}

	var pb probeBody
	if err := json.Unmarshal(body, &pb); err != nil {
		return nil, fmt.Errorf("decode probe response: %w", err)
	}

	status := models.ProbeStatus(pb.Status)
	switch status {
	case models.ProbeHealthy, models.ProbeDegraded, models.ProbeUnhealthy, models.ProbeUnknown:
	default:
		status = models.ProbeUnhealthy
	}
	return &models.ProbeResult{Status: status, LatencyMs: latency, Message: pb.Message}, nil
}

// StaticProbe always reports the same status. The sidecar uses it when no
// probe URL is configured, so gating treats the local service as healthy.
type StaticProbe struct {
	Status models.ProbeStatus
}

// Probe implements contracts.HealthProbe.
func (p StaticProbe) Probe(_ context.Context) (*models.ProbeResult, error) {
	status := p.Status
	if status == "" {
		status = models.ProbeHealthy
	}
	return &models.ProbeResult{Status: status, Message: "static"}, nil
}
