package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// chunkSource yields one completed response chunk per call. The startMarker
// is the tail of the text already collected, so a continued response is
// extracted from where the previous chunk ended.
type chunkSource interface {
	Next(ctx context.Context, startMarker string) (string, error)
}

// continuer asks the page to keep generating. It reports whether a
// continuation was actually triggered.
type continuer interface {
	Continue(ctx context.Context) (bool, error)
}

// markerLen is how much collected tail is used as the next extraction marker.
const markerLen = 80

// collectResult summarizes one collection run.
type collectResult struct {
	FinishReason  string
	Continuations int
	Length        int
	// FirstChunk is the latency until the first chunk completed.
	FirstChunk time.Duration
}

// collect drives the chunked collection loop. Chunks are appended to sink as
// they complete so a long response never sits wholly in memory. The loop ends
// on a natural end-of-response, a repetition loop, a refused continuation, or
// the continuation-round bound.
func collect(ctx context.Context, src chunkSource, cont continuer, sink io.Writer, maxRounds int) (collectResult, error) {
	var (
		res       collectResult
		marker    string
		prevChunk string
	)
	began := time.Now()

	for round := 0; ; round++ {
		chunk, err := src.Next(ctx, marker)
		if err != nil {
			return res, err
		}
		if round == 0 {
			res.FirstChunk = time.Since(began)
		}
		if chunk == prevChunk && chunk != "" {
			// The UI is replaying the same text. Continuing would loop
			// forever appending duplicates.
			res.FinishReason = "repetition"
			return res, nil
		}

		if _, err := sink.Write([]byte(chunk)); err != nil {
			return res, fmt.Errorf("append output artifact: %w", err)
		}
		res.Length += len(chunk)
		prevChunk = chunk

		if naturalEnd(chunk) {
			res.FinishReason = "complete"
			return res, nil
		}
		if round >= maxRounds {
			res.FinishReason = "continuation-bound"
			return res, nil
		}

		continued, err := cont.Continue(ctx)
		if err != nil {
			return res, err
		}
		if !continued {
			// No continue control on the page: the response is as done as it
			// will get.
			res.FinishReason = "complete"
			return res, nil
		}
		res.Continuations++
		marker = tail(chunk, markerLen)
	}
}

// naturalEnd reports whether a chunk looks like a finished response: short
// enough to not be a truncation, ending in terminal punctuation or a closed
// code fence.
func naturalEnd(chunk string) bool {
	trimmed := strings.TrimSpace(chunk)
	if trimmed == "" {
		return false
	}
	if strings.Count(trimmed, "```")%2 != 0 {
		// An open code fence means the model was cut off mid-block.
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return strings.HasSuffix(trimmed, "```")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
