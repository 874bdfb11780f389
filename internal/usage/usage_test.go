package usage

import "testing"

const claudeSSE = "event: message_start\n" +
	`data: {"type":"message_start","message":{"usage":{"input_tokens":10,"cache_read_input_tokens":3}}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","usage":{"output_tokens":7}}` + "\n\n"

func TestClaudeSSEMergesAcrossEvents(t *testing.T) {
	p := NewParser(DialectClaude, "text/event-stream")
	p.Feed([]byte(claudeSSE))
	got := p.Finish()

	want := Totals{Input: 10, CachedRead: 3, Output: 7, Total: 17}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestByteAtATimeEqualsAllAtOnce(t *testing.T) {
	whole := NewParser(DialectClaude, "text/event-stream")
	whole.Feed([]byte(claudeSSE))

	bytewise := NewParser(DialectClaude, "text/event-stream")
	for i := 0; i < len(claudeSSE); i++ {
		bytewise.Feed([]byte{claudeSSE[i]})
	}

	if whole.Finish() != bytewise.Finish() {
		t.Fatal("chunking must not change totals")
	}
}

func TestCodexNDJSON(t *testing.T) {
	p := NewParser(DialectCodex, "application/x-ndjson")
	p.Feed([]byte(`{"type":"response.output_text.delta","delta":"x"}` + "\n"))
	p.Feed([]byte(`{"type":"response.completed","response":{"usage":{` +
		`"input_tokens":100,"input_tokens_details":{"cached_tokens":40},` +
		`"output_tokens":25,"output_tokens_details":{"reasoning_tokens":5},` +
		`"total_tokens":125}}}`)) // no trailing newline
	got := p.Finish()

	want := Totals{Input: 100, CachedRead: 40, Output: 25, Reasoning: 5, Total: 125}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSingleJSONResponse(t *testing.T) {
	p := NewParser(DialectClaude, "application/json")
	p.Feed([]byte(`{"id":"msg_1","usage":{"input_tokens":4,`))
	p.Feed([]byte(`"output_tokens":9}}`))
	got := p.Finish()

	want := Totals{Input: 4, Output: 9, Total: 13}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSSESniffUnderGenericContentType(t *testing.T) {
	p := NewParser(DialectClaude, "application/octet-stream")
	p.Feed([]byte(claudeSSE))
	got := p.Finish()

	if got.Input != 10 || got.Output != 7 {
		t.Fatalf("SSE body should be detected despite the content type, got %+v", got)
	}
}

func TestMalformedFragmentsAreDropped(t *testing.T) {
	p := NewParser(DialectClaude, "text/event-stream")
	p.Feed([]byte("data: {broken json\n\n"))
	p.Feed([]byte(`data: {"usage":{"input_tokens":2,"output_tokens":3}}` + "\n\n"))
	got := p.Finish()

	want := Totals{Input: 2, Output: 3, Total: 5}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !p.Seen() {
		t.Fatal("valid usage should mark the parser as seen")
	}
}

func TestNoUsageYieldsZeroTotals(t *testing.T) {
	p := NewParser(DialectCodex, "application/json")
	p.Feed([]byte(`{"ok":true}`))
	if got := p.Finish(); got != (Totals{}) {
		t.Fatalf("expected zero totals, got %+v", got)
	}
	if p.Seen() {
		t.Fatal("no usage payload should leave seen false")
	}
}

func TestCodexDisplaySubtractsCachedRead(t *testing.T) {
	raw := Totals{Input: 100, CachedRead: 40, Output: 25, Total: 125}

	disp := raw.Display(DialectCodex)
	if disp.Input != 60 || disp.Total != 85 {
		t.Fatalf("codex display should subtract cached reads, got %+v", disp)
	}
	if raw.Input != 100 {
		t.Fatal("display must not mutate the raw totals")
	}

	if claude := raw.Display(DialectClaude); claude != raw {
		t.Fatal("claude display must be the raw totals")
	}
}
