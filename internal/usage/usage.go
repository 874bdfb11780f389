package usage

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// Dialects name the upstream usage schema.
const (
	DialectClaude = "claude"
	DialectCodex  = "codex"
)

// Totals is the normalized token accounting for one response.
// Values are the raw parsed numbers; Codex display projections subtract
// cached reads separately, never here.
type Totals struct {
	Input        int64 `json:"input"`
	CachedCreate int64 `json:"cached_create"`
	CachedRead   int64 `json:"cached_read"`
	Output       int64 `json:"output"`
	Reasoning    int64 `json:"reasoning"`
	Total        int64 `json:"total"`
}

// Display projects totals for UI consumption. Codex reports cached reads
// inside input_tokens, so the projection subtracts them from input and total.
func (t Totals) Display(dialect string) Totals {
	if dialect != DialectCodex {
		return t
	}
	t.Input = max64(0, t.Input-t.CachedRead)
	t.Total = max64(0, t.Total-t.CachedRead)
	return t
}

type framing int

const (
	framingSingle framing = iota
	framingSSE
	framingNDJSON
)

// Parser incrementally extracts usage from a streamed response body.
// Chunks may split anywhere; feeding byte by byte yields the same totals as
// feeding everything at once. Malformed JSON fragments are dropped silently.
type Parser struct {
	dialect string
	framing framing

	buf    bytes.Buffer // incomplete trailing event or line
	totals Totals

	explicitTotal int64
	hasTotal      bool
	sawUsage      bool
}

// NewParser picks the framing from the response Content-Type.
func NewParser(dialect, contentType string) *Parser {
	p := &Parser{dialect: dialect}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/event-stream"):
		p.framing = framingSSE
	case strings.Contains(ct, "application/x-ndjson"), strings.Contains(ct, "application/jsonl"):
		p.framing = framingNDJSON
	default:
		p.framing = framingSingle
	}
	return p
}

// Feed consumes one response chunk.
func (p *Parser) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.buf.Write(chunk)

	switch p.framing {
	case framingSSE:
		p.drainSSE()
	case framingNDJSON:
		p.drainNDJSON()
	}
}

// Finish flushes any incomplete remainder and returns the final totals.
// Total falls back to input+output when the stream never reported one.
func (p *Parser) Finish() Totals {
	switch p.framing {
	case framingSSE:
		p.consumeEvent(p.buf.String())
	case framingNDJSON:
		p.consumeLine(p.buf.String())
	default:
		text := strings.TrimSpace(p.buf.String())
		// Some upstreams stream SSE under a generic content type.
		if strings.HasPrefix(text, "event:") || strings.HasPrefix(text, "data:") || strings.Contains(text, "\ndata:") {
			for _, event := range strings.Split(text, "\n\n") {
				p.consumeEvent(event)
			}
		} else if text != "" {
			p.consumeJSON(text)
		}
	}
	p.buf.Reset()
	return p.Totals()
}

// Totals returns the running totals.
func (p *Parser) Totals() Totals {
	t := p.totals
	if p.hasTotal {
		t.Total = p.explicitTotal
	} else {
		t.Total = t.Input + t.Output
	}
	return t
}

// Seen reports whether any usage payload was parsed.
func (p *Parser) Seen() bool { return p.sawUsage }

func (p *Parser) drainSSE() {
	for {
		text := p.buf.String()
		idx := strings.Index(text, "\n\n")
		if idx < 0 {
			return
		}
		event := text[:idx]
		p.buf.Reset()
		p.buf.WriteString(text[idx+2:])
		p.consumeEvent(event)
	}
}

func (p *Parser) drainNDJSON() {
	for {
		text := p.buf.String()
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			return
		}
		line := text[:idx]
		p.buf.Reset()
		p.buf.WriteString(text[idx+1:])
		p.consumeLine(line)
	}
}

func (p *Parser) consumeEvent(event string) {
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		p.consumeJSON(strings.TrimSpace(line[len("data:"):]))
	}
}

func (p *Parser) consumeLine(line string) {
	line = strings.TrimSpace(line)
	if line != "" {
		p.consumeJSON(line)
	}
}

// consumeJSON merges one payload's usage fields into the running totals.
// Present fields overwrite; absent fields keep earlier values, so a
// message_start's input survives the message_delta that only carries output.
func (p *Parser) consumeJSON(payload string) {
	if payload == "" || !gjson.Valid(payload) {
		return
	}
	root := gjson.Parse(payload)

	u := root.Get("usage")
	if !u.IsObject() {
		switch p.dialect {
		case DialectClaude:
			u = root.Get("message.usage")
		default:
			u = root.Get("response.usage")
		}
	}
	if !u.IsObject() {
		return
	}
	p.sawUsage = true

	setInt(&p.totals.Input, u.Get("input_tokens"))
	setInt(&p.totals.CachedCreate, u.Get("cache_creation_input_tokens"))
	setInt(&p.totals.Output, u.Get("output_tokens"))

	switch p.dialect {
	case DialectCodex:
		setInt(&p.totals.CachedRead, u.Get("input_tokens_details.cached_tokens"))
		setInt(&p.totals.Reasoning, u.Get("output_tokens_details.reasoning_tokens"))
	default:
		setInt(&p.totals.CachedRead, u.Get("cache_read_input_tokens"))
		setInt(&p.totals.Reasoning, u.Get("reasoning_tokens"))
	}

	if total := u.Get("total_tokens"); total.Exists() {
		p.explicitTotal = total.Int()
		p.hasTotal = true
	}
}

func setInt(dst *int64, v gjson.Result) {
	if v.Exists() {
		*dst = v.Int()
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
