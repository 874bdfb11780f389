package events

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	subscriberQueue = 256
	maxActive       = 100
	// Per-request accumulation limit for replay buffers.
	maxChunkBytes = 2 * 1024 * 1024
	// Finished requests linger briefly so late subscribers still see them.
	finishedTTL = 30 * time.Second
)

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"x-auth-token":  true,
}

// activeRequest is the replayable state of one in-flight request.
type activeRequest struct {
	requestID  string
	channel    string
	method     string
	path       string
	model      string
	startTime  time.Time
	status     string
	durationMs int64
	statusCode int
	headers    map[string]string
	targetURL  string
	chunkBytes int
	truncated  bool
}

// Hub fans realtime events out to websocket subscribers for one service.
// Every subscriber owns a bounded queue; when it fills, the oldest queued
// event is dropped so a slow consumer never stalls the request path.
type Hub struct {
	service string

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	active      map[string]*activeRequest
	cleanups    map[string]*time.Timer
}

func NewHub(service string) *Hub {
	return &Hub{
		service:     service,
		subscribers: make(map[int]chan Event),
		active:      make(map[string]*activeRequest),
		cleanups:    make(map[string]*time.Timer),
	}
}

// Subscribe registers a consumer and returns a snapshot of in-flight
// requests for replay, oldest first.
func (h *Hub) Subscribe() (id int, ch <-chan Event, snapshot []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := make(chan Event, subscriberQueue)
	id = h.nextID
	h.nextID++
	h.subscribers[id] = c

	return id, c, h.snapshotLocked()
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// SubscriberCount reports the number of connected consumers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// ActiveCount reports tracked in-flight requests.
func (h *Hub) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// RequestStarted begins tracking a request and broadcasts started.
func (h *Hub) RequestStarted(requestID, method, path, channel, model string, headers map[string]string, targetURL string) {
	h.mu.Lock()
	req := &activeRequest{
		requestID: requestID,
		channel:   channel,
		method:    method,
		path:      path,
		model:     model,
		startTime: time.Now(),
		status:    StatusPending,
		headers:   sanitizeHeaders(headers),
		targetURL: targetURL,
	}
	h.active[requestID] = req
	h.evictOverflowLocked()
	e := h.startedEventLocked(req, EventStarted)
	h.publishLocked(e)
	h.mu.Unlock()
}

// ResponseChunk accounts one body chunk and broadcasts progress.
func (h *Hub) ResponseChunk(requestID, delta string, durationMs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	req, ok := h.active[requestID]
	if !ok {
		return
	}
	req.status = StatusStreaming
	req.durationMs = durationMs
	if req.chunkBytes < maxChunkBytes {
		req.chunkBytes += len(delta)
	} else {
		req.truncated = true
	}

	if strings.TrimSpace(delta) == "" {
		return
	}
	h.publishLocked(Event{
		Type:              EventProgress,
		Service:           h.service,
		Timestamp:         nowStamp(),
		RequestID:         requestID,
		Status:            StatusStreaming,
		DurationMs:        durationMs,
		ResponseDelta:     delta,
		ResponseTruncated: req.truncated,
	})
}

// RequestCompleted finalizes a request; success selects completed vs failed.
// The entry stays replayable for a grace period before removal.
func (h *Hub) RequestCompleted(requestID string, statusCode int, durationMs int64, success bool, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	typ := EventCompleted
	status := StatusCompleted
	if !success {
		typ = EventFailed
		status = StatusFailed
	}

	if req, ok := h.active[requestID]; ok {
		req.status = status
		req.statusCode = statusCode
		req.durationMs = durationMs
		h.scheduleCleanupLocked(requestID)
	}

	h.publishLocked(Event{
		Type:       typ,
		Service:    h.service,
		Timestamp:  nowStamp(),
		RequestID:  requestID,
		Status:     status,
		StatusCode: statusCode,
		DurationMs: durationMs,
		Reason:     reason,
	})
}

// LBSwitch announces a mid-request move to the next candidate.
func (h *Hub) LBSwitch(requestID, fromChannel, toChannel, reason string, failures, threshold, attempt int, path string) {
	h.publish(Event{
		Type:        EventLBSwitch,
		Service:     h.service,
		Timestamp:   nowStamp(),
		RequestID:   requestID,
		FromChannel: fromChannel,
		ToChannel:   toChannel,
		Reason:      reason,
		Failures:    failures,
		Threshold:   threshold,
		Attempt:     attempt,
		Path:        path,
	})
}

// LBReset announces that failure state was cleared for another round.
func (h *Hub) LBReset(requestID, reason string, totalConfigs, threshold int) {
	h.publish(Event{
		Type:         EventLBReset,
		Service:      h.service,
		Timestamp:    nowStamp(),
		RequestID:    requestID,
		Reason:       reason,
		TotalConfigs: totalConfigs,
		Threshold:    threshold,
	})
}

// LBExhausted announces that no candidate remains for this request.
func (h *Hub) LBExhausted(requestID, reason string, threshold int, cooldownRemaining time.Duration) {
	h.publish(Event{
		Type:                     EventLBExhausted,
		Service:                  h.service,
		Timestamp:                nowStamp(),
		RequestID:                requestID,
		Reason:                   reason,
		Threshold:                threshold,
		CooldownRemainingSeconds: cooldownRemaining.Seconds(),
	})
}

func (h *Hub) publish(e Event) {
	h.mu.Lock()
	h.publishLocked(e)
	h.mu.Unlock()
}

func (h *Hub) publishLocked(e Event) {
	for _, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			// Full queue: drop the oldest event, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

func (h *Hub) snapshotLocked() []Event {
	if len(h.active) == 0 {
		return nil
	}
	reqs := make([]*activeRequest, 0, len(h.active))
	for _, req := range h.active {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].startTime.Before(reqs[j].startTime) })

	out := make([]Event, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, h.startedEventLocked(req, EventSnapshot))
	}
	return out
}

func (h *Hub) startedEventLocked(req *activeRequest, typ EventType) Event {
	return Event{
		Type:              typ,
		Service:           h.service,
		Timestamp:         nowStamp(),
		RequestID:         req.requestID,
		Channel:           req.channel,
		Method:            req.method,
		Path:              req.path,
		Model:             req.model,
		StartTime:         req.startTime.Format(time.RFC3339Nano),
		Status:            req.status,
		StatusCode:        req.statusCode,
		DurationMs:        req.durationMs,
		RequestHeaders:    req.headers,
		TargetURL:         req.targetURL,
		ResponseTruncated: req.truncated,
	}
}

func (h *Hub) scheduleCleanupLocked(requestID string) {
	if t, ok := h.cleanups[requestID]; ok {
		t.Stop()
	}
	h.cleanups[requestID] = time.AfterFunc(finishedTTL, func() {
		h.mu.Lock()
		delete(h.active, requestID)
		delete(h.cleanups, requestID)
		h.mu.Unlock()
	})
}

// evictOverflowLocked trims the oldest tracked requests beyond the cap.
func (h *Hub) evictOverflowLocked() {
	if len(h.active) <= maxActive {
		return
	}
	reqs := make([]*activeRequest, 0, len(h.active))
	for _, req := range h.active {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].startTime.Before(reqs[j].startTime) })
	for _, req := range reqs[:len(reqs)-maxActive] {
		delete(h.active, req.requestID)
		if t, ok := h.cleanups[req.requestID]; ok {
			t.Stop()
			delete(h.cleanups, req.requestID)
		}
	}
}

func sanitizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(headers))
	for name, val := range headers {
		if sensitiveHeaders[strings.ToLower(name)] {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = val
	}
	return out
}
