package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProbeResult is the outcome of a connectivity check against one config.
type ProbeResult struct {
	Config     string `json:"config"`
	TargetURL  string `json:"target_url"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// Probe sends the service's minimal chat request through the named config and
// reports reachability and latency. Balancer state is not touched; a probe is
// diagnostic, not traffic.
func (e *Engine) Probe(ctx context.Context, name string) (*ProbeResult, error) {
	snap, err := e.Configs.Snapshot()
	if err != nil {
		return nil, err
	}
	cfg, ok := snap.Get(name)
	if !ok {
		return nil, fmt.Errorf("config %q not found", name)
	}

	targetURL := strings.TrimSuffix(cfg.BaseURL, "/") + e.Service.ProbePath
	res := &ProbeResult{Config: name, TargetURL: targetURL}

	client, err := e.Transports.Client(cfg.Proxy)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(e.Service.ProbeBody))
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("x-api-key", cfg.APIKey)
	} else if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	start := time.Now()
	resp, err := client.Do(req)
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.StatusCode = resp.StatusCode
	res.OK = successStatus(resp.StatusCode)
	return res, nil
}
