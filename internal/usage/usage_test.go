package usage

import "testing"

func TestParser_ClaudeSSE_SingleFeed(t *testing.T) {
	p := New(DialectClaude, "text/event-stream")

	p.Feed([]byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10,\"cache_creation_input_tokens\":2,\"cache_read_input_tokens\":1}}}\n\n"))
	p.Feed([]byte("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":5}}\n\n"))

	totals := p.Finish()
	if totals.Input != 10 || totals.CachedCreate != 2 || totals.CachedRead != 1 || totals.Output != 5 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	if totals.Total != 15 {
		t.Errorf("expected total = input + output = 15, got %d", totals.Total)
	}
}

func TestParser_ClaudeSSE_SplitAcrossChunks(t *testing.T) {
	p := New(DialectClaude, "text/event-stream")

	full := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10}}}\n\n"
	// Feed one byte at a time to exercise partial-line survival.
	for i := 0; i < len(full); i++ {
		p.Feed([]byte{full[i]})
	}
	totals := p.Finish()
	if totals.Input != 10 {
		t.Errorf("expected input=10 even when split byte-by-byte, got %d", totals.Input)
	}
}

func TestParser_ClaudeSSE_TrailingPartialFlushedOnFinish(t *testing.T) {
	p := New(DialectClaude, "text/event-stream")
	// No trailing blank line — Finish must still flush it.
	p.Feed([]byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":7}}}"))
	totals := p.Finish()
	if totals.Input != 7 {
		t.Errorf("expected Finish to flush trailing partial event, got input=%d", totals.Input)
	}
}

func TestParser_CodexSingleJSON(t *testing.T) {
	p := New(DialectCodex, "application/json")
	p.Feed([]byte(`{"response":{"usage":{"input_tokens":100,"input_tokens_details":{"cached_tokens":20},"output_tokens":30,"output_tokens_details":{"reasoning_tokens":5},"total_tokens":130}}}`))
	totals := p.Finish()
	if totals.Input != 100 || totals.CachedRead != 20 || totals.Output != 30 || totals.Reasoning != 5 || totals.Total != 130 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestParser_CodexNDJSON(t *testing.T) {
	p := New(DialectCodex, "application/x-ndjson")
	p.Feed([]byte(`{"response":{"usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}}` + "\n"))
	p.Feed([]byte(`{"response":{"usage":{"input_tokens":10,"output_tokens":20,"total_tokens":30}}}` + "\n"))
	totals := p.Finish()
	// Codex replaces rather than accumulates — last event wins.
	if totals.Input != 10 || totals.Output != 20 || totals.Total != 30 {
		t.Fatalf("expected last NDJSON event to win, got %+v", totals)
	}
}

func TestParser_MalformedJSONDropped(t *testing.T) {
	p := New(DialectClaude, "application/json")
	p.Feed([]byte(`not json at all`))
	totals := p.Finish()
	if totals != (Totals{}) {
		t.Errorf("expected zero totals for malformed input, got %+v", totals)
	}
}

func TestParser_DoneSentinelIgnored(t *testing.T) {
	p := New(DialectCodex, "text/event-stream")
	p.Feed([]byte("data: [DONE]\n\n"))
	totals := p.Finish()
	if totals != (Totals{}) {
		t.Errorf("expected [DONE] to be ignored, got %+v", totals)
	}
}

func TestDisplayTotals_CodexSubtractsCachedRead(t *testing.T) {
	t1 := Totals{Input: 100, CachedRead: 20, Output: 30, Total: 130}
	d := t1.DisplayTotals(DialectCodex)
	if d.Input != 80 || d.Total != 110 {
		t.Errorf("expected cached_read subtracted from input/total, got %+v", d)
	}
	// Storage copy must remain untouched.
	if t1.Input != 100 || t1.Total != 130 {
		t.Errorf("DisplayTotals must not mutate the receiver, got %+v", t1)
	}
}

func TestDisplayTotals_CodexNeverNegative(t *testing.T) {
	t1 := Totals{Input: 5, CachedRead: 20, Total: 5}
	d := t1.DisplayTotals(DialectCodex)
	if d.Input != 0 || d.Total != 0 {
		t.Errorf("expected clamping to zero, got %+v", d)
	}
}

func TestDisplayTotals_ClaudePassesThrough(t *testing.T) {
	t1 := Totals{Input: 100, CachedRead: 20, Total: 130}
	d := t1.DisplayTotals(DialectClaude)
	if d != t1 {
		t.Errorf("expected Claude totals unchanged, got %+v", d)
	}
}
