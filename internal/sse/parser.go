// Package sse incrementally decodes OpenAI-compatible chat completion streams.
//
// Input arrives in arbitrary chunks: a logical line may span several chunks
// and a chunk may hold several lines. The Parser keeps only the unconsumed
// residue, so memory is bounded by the longest partial line rather than the
// length of the stream.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
)

const (
	// DefaultMaxLineBytes caps the unterminated residue kept between chunks.
	DefaultMaxLineBytes = 1 << 20

	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// ErrLineTooLong is returned when the upstream sends more than the configured
// number of bytes without completing a line.
var ErrLineTooLong = errors.New("sse: unterminated line exceeds buffer limit")

// Frame is the part of an upstream chat completion chunk the parser reads
// (the choices[].delta.content path of openai.ChatCompletionStreamResponse).
// Every field is optional and every other field of the chunk is ignored, so
// a provider that types usage or created differently still yields its text.
type Frame struct {
	Choices []FrameChoice `json:"choices"`
}

// FrameChoice is one entry of Frame.Choices.
type FrameChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

// DeltaContent returns the text carried by the first choice of f.
func DeltaContent(f *Frame) string {
	if f == nil || len(f.Choices) == 0 {
		return ""
	}
	return f.Choices[0].Delta.Content
}

type lineResult int

const (
	lineSkipped lineResult = iota
	lineDelta
	lineDone
	lineIncomplete
)

// Parser is a single-stream SSE decoder. It is not safe for concurrent use and
// must not be reused across streams.
type Parser struct {
	buf          []byte
	maxLineBytes int
	done         bool
	failed       error
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxLineBytes overrides DefaultMaxLineBytes. Values <= 0 are ignored.
func WithMaxLineBytes(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxLineBytes = n
		}
	}
}

// NewParser returns a parser for one stream.
func NewParser(opts ...Option) *Parser {
	p := &Parser{maxLineBytes: DefaultMaxLineBytes}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Done reports whether the [DONE] sentinel has been seen.
func (p *Parser) Done() bool {
	return p.done
}

// Buffered returns the number of residue bytes waiting for a newline.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Feed appends chunk to the buffer and returns the deltas of every line that
// could be completed. A data line whose JSON does not parse yet is kept in the
// buffer until more bytes arrive. After [DONE] or an error Feed is a no-op.
func (p *Parser) Feed(chunk []byte) ([]string, error) {
	if p.failed != nil {
		return nil, p.failed
	}
	if p.done {
		return nil, nil
	}
	p.buf = append(p.buf, chunk...)

	deltas := p.drain(false)
	if !p.done && len(p.buf) > p.maxLineBytes {
		p.failed = ErrLineTooLong
		p.buf = nil
		return deltas, p.failed
	}
	return deltas, nil
}

// Flush processes whatever is left after the transport reported end of input,
// including a final line without a trailing newline. Lines that still fail to
// parse are truncated fragments and are dropped without error.
func (p *Parser) Flush() []string {
	if p.failed != nil || p.done || len(p.buf) == 0 {
		p.buf = nil
		return nil
	}
	if p.buf[len(p.buf)-1] != '\n' {
		p.buf = append(p.buf, '\n')
	}
	deltas := p.drain(true)
	p.buf = nil
	return deltas
}

func (p *Parser) drain(final bool) []string {
	var deltas []string
	consumed := 0
	for !p.done {
		idx := bytes.IndexByte(p.buf[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := p.buf[consumed : consumed+idx]

		delta, res := parseLine(line)
		if res == lineIncomplete && !final {
			break
		}
		consumed += idx + 1

		switch res {
		case lineDelta:
			deltas = append(deltas, delta)
		case lineDone:
			p.done = true
		}
	}

	if p.done {
		// Bytes after the sentinel are never interpreted.
		p.buf = nil
		return deltas
	}
	if consumed > 0 {
		n := copy(p.buf, p.buf[consumed:])
		p.buf = p.buf[:n]
	}
	return deltas
}

func parseLine(line []byte) (string, lineResult) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 || line[0] == ':' {
		return "", lineSkipped
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return "", lineSkipped
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneMarker {
		return "", lineDone
	}

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return "", lineIncomplete
		}
		// A mistyped field does not stop Unmarshal from filling the rest, so
		// the content is still read below.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return "", lineSkipped
		}
	}

	content := DeltaContent(&frame)
	if content == "" {
		return "", lineSkipped
	}
	return content, lineDelta
}
