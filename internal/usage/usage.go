// Package usage implements the stateful, incremental token-usage parser
// described in spec.md §4.7. It is fed arbitrary byte chunks — never a
// full buffered stream — which is the key departure from the teacher's
// batch-oriented internal/proxy/sse_parser.go: the event/data line
// accumulation logic is the same, but it survives partial lines across
// Feed calls instead of blocking until the whole stream is read.
package usage

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Totals is the token usage parsed from one response. Storage always keeps raw parsed
// values — the Codex "subtract cached_read" display rule is applied only
// at projection time, in DisplayTotals, never here (spec.md §9).
type Totals struct {
	Input        int64 `json:"input"`
	CachedCreate int64 `json:"cached_create"`
	CachedRead   int64 `json:"cached_read"`
	Output       int64 `json:"output"`
	Reasoning    int64 `json:"reasoning"`
	Total        int64 `json:"total"`
}

// DisplayTotals applies the Codex display-only subtraction: cached_read
// is removed from input and total. Claude dialect totals pass through
// unchanged since Claude never sets CachedRead from an input-inclusive
// figure the same way.
func (t Totals) DisplayTotals(dialect Dialect) Totals {
	if dialect != DialectCodex {
		return t
	}
	d := t
	d.Input -= t.CachedRead
	d.Total -= t.CachedRead
	if d.Input < 0 {
		d.Input = 0
	}
	if d.Total < 0 {
		d.Total = 0
	}
	return d
}

type Dialect int

const (
	DialectClaude Dialect = iota
	DialectCodex
)

type framing int

const (
	framingSSE framing = iota
	framingNDJSON
	framingSingleJSON
)

// Parser accumulates UsageTotals across Feed calls for one request.
type Parser struct {
	dialect Dialect
	framing framing

	lineBuf   bytes.Buffer // holds a partial line across Feed calls
	eventType string
	dataBuf   bytes.Buffer // accumulated "data:" lines for the current SSE event

	singleBuf bytes.Buffer // used only for framingSingleJSON

	totals Totals
}

// New creates a Parser for the given dialect and Content-Type.
func New(dialect Dialect, contentType string) *Parser {
	p := &Parser{dialect: dialect}
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		p.framing = framingSSE
	case strings.Contains(contentType, "ndjson"):
		p.framing = framingNDJSON
	default:
		p.framing = framingSingleJSON
	}
	return p
}

// Feed consumes one chunk of the response body. Malformed JSON fragments
// are silently dropped — usage parsing never fails the stream.
func (p *Parser) Feed(chunk []byte) {
	switch p.framing {
	case framingSSE:
		p.feedSSE(chunk)
	case framingNDJSON:
		p.feedNDJSON(chunk)
	case framingSingleJSON:
		p.singleBuf.Write(chunk)
	}
}

// Finish must be called once the stream ends. For single-JSON framing
// this is where the one parse happens; for SSE/NDJSON it flushes any
// trailing partial line, and for SSE also an event that the stream
// ended without its closing blank line.
func (p *Parser) Finish() Totals {
	switch p.framing {
	case framingSSE:
		if p.lineBuf.Len() > 0 {
			p.consumeSSELine(p.lineBuf.String())
			p.lineBuf.Reset()
		}
		if p.dataBuf.Len() > 0 {
			p.consumeSSELine("")
		}
	case framingNDJSON:
		if p.lineBuf.Len() > 0 {
			p.applyJSONEvent(p.lineBuf.Bytes())
			p.lineBuf.Reset()
		}
	case framingSingleJSON:
		if p.singleBuf.Len() > 0 {
			p.applyJSONEvent(p.singleBuf.Bytes())
		}
	}
	return p.totals
}

func (p *Parser) feedSSE(chunk []byte) {
	p.lineBuf.Write(chunk)
	for {
		buf := p.lineBuf.Bytes()
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := string(buf[:idx])
		rest := append([]byte(nil), buf[idx+1:]...)
		p.lineBuf.Reset()
		p.lineBuf.Write(rest)

		p.consumeSSELine(strings.TrimSuffix(line, "\r"))
	}
}

func (p *Parser) consumeSSELine(line string) {
	switch {
	case line == "":
		// Blank line: event boundary. Parse the assembled data.
		if p.dataBuf.Len() > 0 {
			p.applyJSONEvent(p.dataBuf.Bytes())
		}
		p.eventType = ""
		p.dataBuf.Reset()
	case strings.HasPrefix(line, "event:"):
		p.eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	case strings.HasPrefix(line, "data:"):
		if p.dataBuf.Len() > 0 {
			p.dataBuf.WriteByte('\n')
		}
		p.dataBuf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	default:
		// ignore id:, retry:, comments
	}
}

func (p *Parser) feedNDJSON(chunk []byte) {
	p.lineBuf.Write(chunk)
	for {
		buf := p.lineBuf.Bytes()
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), buf[:idx]...)
		rest := append([]byte(nil), buf[idx+1:]...)
		p.lineBuf.Reset()
		p.lineBuf.Write(rest)

		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		p.applyJSONEvent(line)
	}
}

// applyJSONEvent parses one assembled event/line and extracts dialect
// usage fields. Malformed JSON is dropped silently.
func (p *Parser) applyJSONEvent(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}

	switch p.dialect {
	case DialectClaude:
		p.applyClaude(data)
	case DialectCodex:
		p.applyCodex(data)
	}
}

type claudeEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Parser) applyClaude(data []byte) {
	var evt claudeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return
	}
	switch evt.Type {
	case "message_start":
		p.totals.Input += evt.Message.Usage.InputTokens
		p.totals.CachedCreate += evt.Message.Usage.CacheCreationInputTokens
		p.totals.CachedRead += evt.Message.Usage.CacheReadInputTokens
		p.recomputeTotal()
	case "message_delta":
		p.totals.Output += evt.Usage.OutputTokens
		p.recomputeTotal()
	}
}

type codexEvent struct {
	Response struct {
		Usage struct {
			InputTokens        int64 `json:"input_tokens"`
			InputTokensDetails struct {
				CachedTokens int64 `json:"cached_tokens"`
			} `json:"input_tokens_details"`
			OutputTokens        int64 `json:"output_tokens"`
			OutputTokensDetails struct {
				ReasoningTokens int64 `json:"reasoning_tokens"`
			} `json:"output_tokens_details"`
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

func (p *Parser) applyCodex(data []byte) {
	var evt codexEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return
	}
	u := evt.Response.Usage
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 {
		return
	}
	p.totals.Input = u.InputTokens
	p.totals.CachedRead = u.InputTokensDetails.CachedTokens
	p.totals.Output = u.OutputTokens
	p.totals.Reasoning = u.OutputTokensDetails.ReasoningTokens
	p.totals.Total = u.TotalTokens
}

// recomputeTotal is used by the Claude dialect, which never reports a
// total directly: total = input + output (cached fields don't add, per
// spec.md §8 scenario 5).
func (p *Parser) recomputeTotal() {
	p.totals.Total = p.totals.Input + p.totals.Output
}
