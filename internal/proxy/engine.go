package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clp-proxy/clp/internal/balancer"
	"github.com/clp-proxy/clp/internal/config"
	"github.com/clp-proxy/clp/internal/events"
	"github.com/clp-proxy/clp/internal/filter"
	"github.com/clp-proxy/clp/internal/reqlog"
	"github.com/clp-proxy/clp/internal/router"
	"github.com/clp-proxy/clp/internal/stats"
	"github.com/clp-proxy/clp/internal/transport"
	"github.com/clp-proxy/clp/internal/usage"
)

// Request headers never forwarded upstream; the credential is re-added from
// the selected config and the client library recomputes content-length.
var strippedRequestHeaders = map[string]bool{
	"authorization":  true,
	"host":           true,
	"content-length": true,
}

// Hop-by-hop response headers dropped on the way back to the client.
var strippedResponseHeaders = map[string]bool{
	"connection":        true,
	"transfer-encoding": true,
}

// Engine is the per-service proxy pipeline: block check, routing, candidate
// selection, upstream exchange with retry, and logging. One instance serves
// all requests of one service concurrently.
type Engine struct {
	Service    Service
	Settings   *config.Settings
	Configs    *config.Store
	Filters    *filter.Chain
	Router     *router.Router
	Balancer   *balancer.Balancer
	Hub        *events.Hub
	Requests   *reqlog.Log
	Stats      *stats.Store
	Transports *transport.Manager
}

// liveRequest is the engine's per-request scratch state.
type liveRequest struct {
	w    http.ResponseWriter
	r    *http.Request
	snap *config.Snapshot

	requestID string
	start     time.Time
	rec       *reqlog.Record
	body      []byte // filtered request body sent upstream
	model     string

	attempt      int
	startedSent  bool
	finished     bool
	responded    bool // headers already written to the client
	lastStatus   int  // 0 when the last failure was a transport error
	lastFailures balancer.FailureResult
}

// Proxy handles one client request end to end.
func (e *Engine) Proxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lr := &liveRequest{
		w:         w,
		r:         r,
		requestID: newRequestID(),
		start:     start,
		rec: &reqlog.Record{
			ID:              uuid.NewString(),
			Service:         e.Service.Name,
			Timestamp:       start.UTC().Format(time.RFC3339Nano),
			ClientMethod:    r.Method,
			ClientPath:      r.URL.Path,
			OriginalHeaders: flattenHeaders(r.Header),
		},
	}

	defer func() {
		if v := recover(); v != nil {
			slog.Error("proxy pipeline panic", "service", e.Service.Name, "request_id", lr.requestID, "panic", v)
			if !lr.responded {
				writeJSONError(w, http.StatusInternalServerError, map[string]any{
					"error":   "InternalError",
					"service": e.Service.Name,
				})
			}
			e.finish(lr, http.StatusInternalServerError, false, "internal_error")
		}
	}()

	limit := int64(e.Settings.MaxRequestBodyMB) << 20
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, map[string]any{"error": "failed to read request body"})
		e.finish(lr, http.StatusBadRequest, false, "bad_request")
		return
	}
	if int64(len(body)) > limit {
		writeJSONError(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
		e.finish(lr, http.StatusRequestEntityTooLarge, false, "body_too_large")
		return
	}
	lr.rec.OriginalBodyB64 = base64.StdEncoding.EncodeToString(body)

	// Phase 1: block check.
	if m := e.Filters.Endpoint.Evaluate(e.Service.Name, r.Method, r.URL.Path, r.URL.Query()); m != nil {
		e.sendStarted(lr, "", "")
		writeJSONError(w, m.Status, map[string]any{
			"error":   "ENDPOINT_BLOCKED",
			"message": m.Message,
			"rule_id": m.RuleID,
			"service": e.Service.Name,
		})
		lr.rec.Blocked = true
		lr.rec.BlockedBy = m.RuleID
		lr.rec.BlockedReason = m.Message
		e.finish(lr, m.Status, false, "endpoint_blocked")
		return
	}

	snap, err := e.Configs.Snapshot()
	if err != nil {
		slog.Error("config snapshot failed", "service", e.Service.Name, "error", err)
		writeJSONError(w, http.StatusInternalServerError, map[string]any{"error": "config load failed"})
		e.finish(lr, http.StatusInternalServerError, false, "config_error")
		return
	}
	lr.snap = snap

	if len(snap.Configs) == 0 {
		e.sendStarted(lr, "", "")
		writeJSONError(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "no upstream configured",
			"service": e.Service.Name,
		})
		e.finish(lr, http.StatusServiceUnavailable, false, "config_unavailable")
		return
	}

	// Phase 2: parse and route.
	decision := e.Router.Route(e.Service.Name, body, e.Service.ModelPath, router.Env{
		CurrentConfig: func() string {
			if picked := e.Balancer.Pick(e.Service.Name, snap); len(picked) > 0 {
				return picked[0]
			}
			return ""
		},
		ConfigExists: func(name string) bool {
			_, ok := snap.Get(name)
			return ok
		},
	})
	lr.model = decision.Model
	lr.body = e.Filters.Body.Apply(decision.Body)
	lr.rec.FilteredBodyB64 = base64.StdEncoding.EncodeToString(lr.body)

	// Phase 3: candidate selection, then the retry rounds.
	if decision.ForcedConfig != "" {
		e.runForced(lr, decision)
		return
	}

	candidates := e.Balancer.Pick(e.Service.Name, snap)
	if len(candidates) == 0 {
		// Every config is excluded; a reset is the only way forward.
		if ok, remaining := e.Balancer.MaybeReset(e.Service.Name); ok {
			e.Hub.LBReset(lr.requestID, "all_excluded", len(snap.Configs), e.Balancer.Threshold(e.Service.Name))
			candidates = e.Balancer.Pick(e.Service.Name, snap)
		} else {
			e.exhausted(lr, remaining)
			return
		}
	}
	if len(candidates) == 0 {
		e.exhausted(lr, 0)
		return
	}

	if e.Balancer.Mode() != balancer.ModeWeightBased {
		// Single shot; upstream errors are forwarded, not retried.
		if !e.runRound(lr, candidates[:1], true) {
			e.exhausted(lr, 0)
		}
		return
	}

	if e.runRound(lr, candidates, false) {
		return
	}
	if ok, remaining := e.Balancer.MaybeReset(e.Service.Name); ok {
		e.Hub.LBReset(lr.requestID, "last_candidate_failed", len(snap.Configs), e.Balancer.Threshold(e.Service.Name))
		if e.runRound(lr, e.Balancer.Pick(e.Service.Name, snap), false) {
			return
		}
		e.exhausted(lr, 0)
	} else {
		e.exhausted(lr, remaining)
	}
}

// runForced serves a config-mapping hit. Failures count against the forced
// config but only trigger candidate switching when fallback is allowed.
func (e *Engine) runForced(lr *liveRequest, decision router.Decision) {
	forced := decision.ForcedConfig
	if !decision.AllowFallback {
		if !e.runRound(lr, []string{forced}, true) {
			e.exhausted(lr, 0)
		}
		return
	}
	if e.runRound(lr, []string{forced}, false) {
		return
	}
	rest := make([]string, 0)
	for _, name := range e.Balancer.Pick(e.Service.Name, lr.snap) {
		if name != forced {
			rest = append(rest, name)
		}
	}
	if !e.runRound(lr, rest, false) {
		e.exhausted(lr, 0)
	}
}

// runRound walks candidates in order until one finishes the request.
// terminal means upstream failures are forwarded to the client instead of
// moving on. Returns false when every candidate failed without the client
// seeing anything.
func (e *Engine) runRound(lr *liveRequest, candidates []string, terminal bool) bool {
	prev := ""
	for _, cand := range candidates {
		lr.attempt++
		if prev != "" && prev != cand {
			reason := "request_error"
			if lr.lastStatus != 0 {
				reason = "http_non2xx"
			}
			e.Hub.LBSwitch(lr.requestID, prev, cand, reason,
				lr.lastFailures.Failures, lr.lastFailures.Threshold, lr.attempt, lr.r.URL.Path)
		}
		if e.tryOnce(lr, cand, terminal) {
			return true
		}
		prev = cand
	}
	return false
}

// tryOnce runs phases 4 through 6 for one candidate. Returns true when the
// request is finished, successfully or not.
func (e *Engine) tryOnce(lr *liveRequest, cand string, terminal bool) bool {
	cfg, ok := lr.snap.Get(cand)
	if !ok {
		lr.lastFailures = e.Balancer.OnFailure(e.Service.Name, cand)
		lr.lastStatus = 0
		if terminal {
			writeJSONError(lr.w, http.StatusServiceUnavailable, map[string]any{"error": "config not found", "config": cand})
			e.finish(lr, http.StatusServiceUnavailable, false, "config_missing")
		}
		return terminal
	}

	targetURL := strings.TrimSuffix(cfg.BaseURL, "/") + lr.r.URL.Path
	if q := lr.r.URL.RawQuery; q != "" {
		targetURL += "?" + q
	}
	headers := upstreamHeaders(e.Filters.Header.Apply(lr.r.Header), cfg)

	client, err := e.Transports.Client(cfg.Proxy)
	if err != nil {
		slog.Warn("upstream client unavailable", "service", e.Service.Name, "channel", cand, "error", err)
		lr.lastFailures = e.Balancer.OnFailure(e.Service.Name, cand)
		lr.lastStatus = 0
		if terminal {
			writeJSONError(lr.w, http.StatusBadGateway, map[string]any{"error": "upstream unavailable"})
			e.finish(lr, http.StatusBadGateway, false, "request_error")
		}
		return terminal
	}

	ctx, cancel := context.WithCancel(lr.r.Context())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, lr.r.Method, targetURL, bytes.NewReader(lr.body))
	if err != nil {
		slog.Warn("upstream request build failed", "service", e.Service.Name, "url", targetURL, "error", err)
		lr.lastFailures = e.Balancer.OnFailure(e.Service.Name, cand)
		lr.lastStatus = 0
		if terminal {
			writeJSONError(lr.w, http.StatusBadGateway, map[string]any{"error": "invalid upstream url"})
			e.finish(lr, http.StatusBadGateway, false, "request_error")
		}
		return terminal
	}
	req.Header = headers
	req.ContentLength = int64(len(lr.body))

	e.sendStarted(lr, cand, targetURL)

	resp, err := client.Do(req)
	if err != nil {
		if lr.r.Context().Err() != nil {
			lr.rec.Channel = cand
			lr.rec.ConfigName = cand
			lr.rec.TargetURL = targetURL
			lr.rec.TargetHeaders = flattenHeaders(headers)
			e.finish(lr, 499, false, "client_cancelled")
			return true
		}
		slog.Warn("upstream request failed", "service", e.Service.Name, "channel", cand, "error", err)
		lr.lastFailures = e.Balancer.OnFailure(e.Service.Name, cand)
		lr.lastStatus = 0
		if terminal {
			writeJSONError(lr.w, http.StatusBadGateway, map[string]any{"error": "upstream request failed", "service": e.Service.Name})
			lr.rec.Channel = cand
			lr.rec.ConfigName = cand
			lr.rec.TargetURL = targetURL
			lr.rec.TargetHeaders = flattenHeaders(headers)
			e.finish(lr, http.StatusBadGateway, false, "request_error")
		}
		return terminal
	}

	success := successStatus(resp.StatusCode)
	if !success {
		lr.lastFailures = e.Balancer.OnFailure(e.Service.Name, cand)
		lr.lastStatus = resp.StatusCode
		if !terminal {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			return false
		}
	}

	e.streamResponse(lr, cand, targetURL, headers, resp, cancel, success)
	return true
}

// streamResponse forwards the upstream response to the client, teeing every
// chunk into the usage parser, the hub, and the capped log buffer.
func (e *Engine) streamResponse(lr *liveRequest, cand, targetURL string, sentHeaders http.Header, resp *http.Response, cancel context.CancelFunc, success bool) {
	defer resp.Body.Close()

	for name, vals := range resp.Header {
		if strippedResponseHeaders[strings.ToLower(name)] {
			continue
		}
		lr.w.Header()[name] = vals
	}
	lr.responded = true
	lr.w.WriteHeader(resp.StatusCode)
	flusher, _ := lr.w.(http.Flusher)

	parser := usage.NewParser(e.Service.Dialect, resp.Header.Get("Content-Type"))
	body := transport.WatchReads(resp.Body, e.Settings.ReadIdleTimeout, cancel)

	var collected []byte
	var total int64
	reason := ""
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			total += int64(n)
			if _, werr := lr.w.Write(chunk); werr != nil {
				success = false
				reason = "client_cancelled"
				cancel()
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			parser.Feed(chunk)
			if len(collected) < reqlog.MaxResponseBytes {
				collected = append(collected, chunk...)
			}
			e.Hub.ResponseChunk(lr.requestID, string(chunk), millis(lr.start))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			success = false
			if lr.r.Context().Err() != nil {
				reason = "client_cancelled"
			} else {
				reason = "stream_interrupted"
			}
			break
		}
	}

	if !success && reason == "" {
		reason = "http_non2xx"
	}

	// LB accounting waits for the stream to settle. A success status that
	// dies mid-body is a failure; a client that walked away is neither.
	if successStatus(resp.StatusCode) {
		switch {
		case success:
			e.Balancer.OnSuccess(e.Service.Name, cand)
		case reason == "stream_interrupted":
			lr.lastFailures = e.Balancer.OnFailure(e.Service.Name, cand)
		}
	}

	capped, truncated := reqlog.CapBody(collected)
	lr.rec.Channel = cand
	lr.rec.ConfigName = cand
	lr.rec.TargetURL = targetURL
	lr.rec.TargetHeaders = flattenHeaders(sentHeaders)
	lr.rec.ResponseContentB64 = base64.StdEncoding.EncodeToString(capped)
	lr.rec.ResponseTruncated = truncated
	lr.rec.ResponseBytes = total
	lr.rec.Usage = parser.Finish()
	e.finish(lr, resp.StatusCode, success, reason)
}

// exhausted ends the request with 503 after every candidate path failed.
func (e *Engine) exhausted(lr *liveRequest, cooldownRemaining time.Duration) {
	e.sendStarted(lr, "", "")
	threshold := e.Balancer.Threshold(e.Service.Name)
	reason := "all_candidates_failed"
	if cooldownRemaining > 0 {
		reason = "cooldown_active"
	}
	e.Hub.LBExhausted(lr.requestID, reason, threshold, cooldownRemaining)
	if !lr.responded {
		writeJSONError(lr.w, http.StatusServiceUnavailable, map[string]any{
			"error":                      "no healthy upstream",
			"service":                    e.Service.Name,
			"cooldown_remaining_seconds": cooldownRemaining.Seconds(),
		})
	}
	e.finish(lr, http.StatusServiceUnavailable, false, reason)
}

// sendStarted publishes the single started event for this request.
func (e *Engine) sendStarted(lr *liveRequest, channel, targetURL string) {
	if lr.startedSent {
		return
	}
	lr.startedSent = true
	e.Hub.RequestStarted(lr.requestID, lr.r.Method, lr.r.URL.Path, channel, lr.model,
		flattenHeaders(lr.r.Header), targetURL)
}

// finish closes out the request: completion event, request log, stats row.
func (e *Engine) finish(lr *liveRequest, statusCode int, success bool, reason string) {
	if lr.finished {
		return
	}
	lr.finished = true
	e.sendStarted(lr, lr.rec.Channel, lr.rec.TargetURL)
	lr.rec.StatusCode = statusCode
	lr.rec.DurationMs = millis(lr.start)
	e.Hub.RequestCompleted(lr.requestID, statusCode, lr.rec.DurationMs, success, reason)
	e.Requests.Append(*lr.rec)

	if e.Stats != nil {
		err := e.Stats.Insert(context.Background(), &stats.Row{
			Service:    e.Service.Name,
			Channel:    lr.rec.Channel,
			Model:      lr.model,
			StatusCode: statusCode,
			DurationMs: lr.rec.DurationMs,
			Usage:      lr.rec.Usage,
			Blocked:    lr.rec.Blocked,
		})
		if err != nil {
			slog.Warn("usage stats insert failed", "service", e.Service.Name, "error", err)
		}
	}
}

// successStatus reports whether an upstream status ends the retry loop.
// 304 and 307 are valid pass-through responses, not failures.
func successStatus(code int) bool {
	return (code >= 200 && code < 300) || code == 304 || code == 307
}

func upstreamHeaders(filtered http.Header, cfg config.Upstream) http.Header {
	out := make(http.Header, len(filtered)+1)
	for name, vals := range filtered {
		if strippedRequestHeaders[strings.ToLower(name)] {
			continue
		}
		out[name] = vals
	}
	if cfg.APIKey != "" {
		out.Set("x-api-key", cfg.APIKey)
	} else if cfg.AuthToken != "" {
		out.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, vals := range h {
		out[name] = strings.Join(vals, ", ")
	}
	return out
}

func writeJSONError(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func millis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
