package sse

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, content string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"choices": []any{
			map[string]any{"delta": map[string]any{"content": content}},
		},
	})
	require.NoError(t, err)
	return "data: " + string(b) + "\n"
}

func feedAll(t *testing.T, chunks ...string) []string {
	t.Helper()
	p := NewParser()
	var out []string
	for _, c := range chunks {
		deltas, err := p.Feed([]byte(c))
		require.NoError(t, err)
		out = append(out, deltas...)
	}
	return append(out, p.Flush()...)
}

func sampleStream(t *testing.T) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(": keep-alive\n\n")
	b.WriteString(frame(t, "Hello"))
	b.WriteString("\n")
	b.WriteString("event: message\n")
	b.WriteString(frame(t, ", wörld"))
	b.WriteString("id: 7\r\n")
	b.WriteString(strings.TrimSuffix(frame(t, " 世界"), "\n") + "\r\n")
	b.WriteString(`data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n")
	b.WriteString(`data: {"choices":[]}` + "\n")
	b.WriteString(frame(t, "!"))
	b.WriteString("data: [DONE]\n")
	return b.String()
}

func TestParserConcreteScenario(t *testing.T) {
	t.Parallel()

	stream := `data: {"choices":[{"delta":{"content":"2+2="}}]}` + "\n" +
		`data: {"choices":[{"delta":{"content":"4"}}]}` + "\n" +
		"data: [DONE]\n"

	got := feedAll(t, stream)
	assert.Equal(t, []string{"2+2=", "4"}, got)
	assert.Equal(t, "2+2=4", strings.Join(got, ""))
}

func TestParserChunkingInvariant(t *testing.T) {
	t.Parallel()

	stream := sampleStream(t)
	want := feedAll(t, stream)
	require.Equal(t, []string{"Hello", ", wörld", " 世界", "!"}, want)

	t.Run("every single split point", func(t *testing.T) {
		for i := 1; i < len(stream); i++ {
			got := feedAll(t, stream[:i], stream[i:])
			require.Equal(t, want, got, "split at byte %d", i)
		}
	})

	t.Run("byte by byte", func(t *testing.T) {
		chunks := make([]string, 0, len(stream))
		for i := 0; i < len(stream); i++ {
			chunks = append(chunks, stream[i:i+1])
		}
		require.Equal(t, want, feedAll(t, chunks...))
	})

	t.Run("random partitions", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		for round := 0; round < 200; round++ {
			var chunks []string
			rest := stream
			for len(rest) > 0 {
				n := 1 + rng.Intn(len(rest))
				if n > 40 {
					n = 1 + rng.Intn(40)
				}
				chunks = append(chunks, rest[:n])
				rest = rest[n:]
			}
			require.Equal(t, want, feedAll(t, chunks...), "round %d", round)
		}
	})
}

func TestParserDefersPartialJSON(t *testing.T) {
	t.Parallel()

	p := NewParser()
	deltas, err := p.Feed([]byte(`data: {"choices":[{"delta":{"content":"hel`))
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.Positive(t, p.Buffered())

	deltas, err = p.Feed([]byte(`lo"}}]}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, deltas)
	assert.Zero(t, p.Buffered())
	assert.Empty(t, p.Flush())
}

func TestParserRequeuesUnparsableTerminatedLine(t *testing.T) {
	t.Parallel()

	p := NewParser()
	deltas, err := p.Feed([]byte(`data: {"choices":[{"delta":` + "\n" + frameLiteral("x")))
	require.NoError(t, err)
	assert.Empty(t, deltas, "lines after a requeued line wait for more input")
	assert.Positive(t, p.Buffered())

	// At end of input the broken line is dropped and the rest is recovered.
	assert.Equal(t, []string{"x"}, p.Flush())
}

func TestParserSentinelTermination(t *testing.T) {
	t.Parallel()

	stream := frameLiteral("before") + "data: [DONE]\n" + frameLiteral("after") + "garbage"
	got := feedAll(t, stream)
	assert.Equal(t, []string{"before"}, got)

	p := NewParser()
	_, err := p.Feed([]byte(frameLiteral("a") + "data:  [DONE] \n"))
	require.NoError(t, err)
	assert.True(t, p.Done())

	deltas, err := p.Feed([]byte(frameLiteral("late")))
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.Empty(t, p.Flush())
}

func TestParserIgnoredLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{name: "blank", line: "\n"},
		{name: "crlf blank", line: "\r\n"},
		{name: "comment", line: ": ping\n"},
		{name: "event field", line: "event: delta\n"},
		{name: "id field", line: "id: 12\n"},
		{name: "retry field", line: "retry: 5000\n"},
		{name: "data without space", line: `data:{"choices":[{"delta":{"content":"no"}}]}` + "\n"},
		{name: "non-object json", line: "data: 42\n"},
		{name: "wrong content type", line: `data: {"choices":[{"delta":{"content":5}}]}` + "\n"},
		{name: "null content", line: `data: {"choices":[{"delta":{"content":null}}]}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := feedAll(t, tt.line, frameLiteral("ok"))
			assert.Equal(t, []string{"ok"}, got)
		})
	}
}

func TestParserReadsContentDespiteUnrelatedFieldTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
	}{
		{name: "float created", line: `data: {"created":1712345678.5,"choices":[{"delta":{"content":"hi"}}]}` + "\n"},
		{name: "string usage counts", line: `data: {"usage":{"prompt_tokens":"12"},"choices":[{"delta":{"content":"hi"}}]}` + "\n"},
		{name: "object id", line: `data: {"id":{"v":1},"choices":[{"index":"0","delta":{"role":7,"content":"hi"}}]}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			deltas, err := p.Feed([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, []string{"hi"}, deltas)
			assert.Zero(t, p.Buffered())
		})
	}
}

func TestParserFlushTolerance(t *testing.T) {
	t.Parallel()

	t.Run("dangling fragment dropped", func(t *testing.T) {
		got := feedAll(t, frameLiteral("kept"), `data: {"choices":[{"delta":{"cont`)
		assert.Equal(t, []string{"kept"}, got)
	})

	t.Run("final line without newline parsed", func(t *testing.T) {
		got := feedAll(t, frameLiteral("a"), strings.TrimSuffix(frameLiteral("b"), "\n"))
		assert.Equal(t, []string{"a", "b"}, got)
	})

	t.Run("empty flush", func(t *testing.T) {
		assert.Empty(t, NewParser().Flush())
	})
}

func TestParserLineTooLong(t *testing.T) {
	t.Parallel()

	p := NewParser(WithMaxLineBytes(16))
	deltas, err := p.Feed([]byte(frameLiteral("fits")))
	require.NoError(t, err)
	assert.Equal(t, []string{"fits"}, deltas)

	_, err = p.Feed([]byte("data: " + strings.Repeat("x", 32)))
	require.ErrorIs(t, err, ErrLineTooLong)

	_, err = p.Feed([]byte(frameLiteral("after")))
	require.ErrorIs(t, err, ErrLineTooLong, "parser is not restartable after an error")
	assert.Empty(t, p.Flush())
}

func TestDeltasOneByteReader(t *testing.T) {
	t.Parallel()

	stream := sampleStream(t)
	got, err := Collect(context.Background(), iotest.OneByteReader(strings.NewReader(stream)))
	require.NoError(t, err)
	assert.Equal(t, "Hello, wörld 世界!", got)
}

func TestDeltasDataErrReaderFlushes(t *testing.T) {
	t.Parallel()

	stream := frameLiteral("x") + strings.TrimSuffix(frameLiteral("y"), "\n")
	got, err := Collect(context.Background(), iotest.DataErrReader(strings.NewReader(stream)))
	require.NoError(t, err)
	assert.Equal(t, "xy", got)
}

func TestDeltasTransportError(t *testing.T) {
	t.Parallel()

	r := iotest.TimeoutReader(strings.NewReader(frameLiteral("partial")))

	var deltas []string
	var gotErr error
	for d, err := range Deltas(context.Background(), r) {
		if err != nil {
			gotErr = err
			break
		}
		deltas = append(deltas, d)
	}
	assert.Equal(t, []string{"partial"}, deltas)
	assert.ErrorIs(t, gotErr, iotest.ErrTimeout)
}

func TestDeltasStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := Collect(ctx, strings.NewReader(frameLiteral("never")))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)
}

func TestDeltasEarlyBreak(t *testing.T) {
	t.Parallel()

	stream := frameLiteral("one") + frameLiteral("two") + frameLiteral("three")
	var got []string
	for d, err := range Deltas(context.Background(), strings.NewReader(stream)) {
		require.NoError(t, err)
		got = append(got, d)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)
}

func frameLiteral(content string) string {
	b, _ := json.Marshal(content)
	return `data: {"choices":[{"delta":{"content":` + string(b) + `}}]}` + "\n"
}
