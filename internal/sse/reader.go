package sse

import (
	"context"
	"errors"
	"io"
	"iter"
)

const readBufferSize = 32 * 1024

// Deltas lazily reads r and yields text deltas in arrival order. The sequence
// ends at [DONE], at end of input (after a tolerant final flush), or with a
// single non-nil error. The reader is consumed by one parser; Deltas does not
// close it.
func Deltas(ctx context.Context, r io.Reader, opts ...Option) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		p := NewParser(opts...)
		buf := make([]byte, readBufferSize)

		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			n, err := r.Read(buf)
			if n > 0 {
				deltas, feedErr := p.Feed(buf[:n])
				for _, d := range deltas {
					if !yield(d, nil) {
						return
					}
				}
				if feedErr != nil {
					yield("", feedErr)
					return
				}
				if p.Done() {
					return
				}
			}

			if errors.Is(err, io.EOF) {
				for _, d := range p.Flush() {
					if !yield(d, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}

// Collect drains Deltas into a single string, returning any text received
// before an error together with that error.
func Collect(ctx context.Context, r io.Reader, opts ...Option) (string, error) {
	var out []byte
	for delta, err := range Deltas(ctx, r, opts...) {
		if err != nil {
			return string(out), err
		}
		out = append(out, delta...)
	}
	return string(out), nil
}
