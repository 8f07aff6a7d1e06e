package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	chunks  []string
	markers []string
}

func (s *scriptedSource) Next(_ context.Context, startMarker string) (string, error) {
	s.markers = append(s.markers, startMarker)
	if len(s.chunks) == 0 {
		return "", errors.New("source exhausted")
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

type scriptedContinuer struct {
	answers []bool
	clicks  int
}

func (c *scriptedContinuer) Continue(context.Context) (bool, error) {
	c.clicks++
	if len(c.answers) == 0 {
		return false, nil
	}
	a := c.answers[0]
	c.answers = c.answers[1:]
	return a, nil
}

func TestCollectSingleCompleteChunk(t *testing.T) {
	src := &scriptedSource{chunks: []string{"The answer is 42."}}
	cont := &scriptedContinuer{}
	var sink bytes.Buffer

	res, err := collect(context.Background(), src, cont, &sink, 5)
	require.NoError(t, err)

	assert.Equal(t, "complete", res.FinishReason)
	assert.Equal(t, 0, res.Continuations)
	assert.Equal(t, "The answer is 42.", sink.String())
	assert.Equal(t, 0, cont.clicks)
}

func TestCollectContinuesOnTruncation(t *testing.T) {
	src := &scriptedSource{chunks: []string{
		"First half of a long answer that cuts off mid",
		"-sentence and now finishes properly.",
	}}
	cont := &scriptedContinuer{answers: []bool{true}}
	var sink bytes.Buffer

	res, err := collect(context.Background(), src, cont, &sink, 5)
	require.NoError(t, err)

	assert.Equal(t, "complete", res.FinishReason)
	assert.Equal(t, 1, res.Continuations)
	assert.Equal(t, "First half of a long answer that cuts off mid-sentence and now finishes properly.", sink.String())
	// The second extraction starts from the tail of the first chunk.
	assert.Equal(t, "First half of a long answer that cuts off mid", src.markers[1])
}

func TestCollectOpenCodeFenceIsNotAnEnd(t *testing.T) {
	src := &scriptedSource{chunks: []string{
		"Here is the code:\n```go\nfunc main() {.",
		"\n}\n```",
	}}
	cont := &scriptedContinuer{answers: []bool{true}}
	var sink bytes.Buffer

	res, err := collect(context.Background(), src, cont, &sink, 5)
	require.NoError(t, err)

	assert.Equal(t, "complete", res.FinishReason)
	assert.Equal(t, 1, res.Continuations)
}

func TestCollectRepetitionStops(t *testing.T) {
	src := &scriptedSource{chunks: []string{
		"the model keeps saying this without an ending",
		"the model keeps saying this without an ending",
	}}
	cont := &scriptedContinuer{answers: []bool{true, true}}
	var sink bytes.Buffer

	res, err := collect(context.Background(), src, cont, &sink, 5)
	require.NoError(t, err)

	assert.Equal(t, "repetition", res.FinishReason)
	// The duplicate chunk is not appended twice.
	assert.Equal(t, "the model keeps saying this without an ending", sink.String())
}

func TestCollectContinuationBound(t *testing.T) {
	src := &scriptedSource{chunks: []string{
		"part one without an ending",
		"part two without an ending",
		"part three without an ending",
	}}
	cont := &scriptedContinuer{answers: []bool{true, true, true}}
	var sink bytes.Buffer

	res, err := collect(context.Background(), src, cont, &sink, 2)
	require.NoError(t, err)

	assert.Equal(t, "continuation-bound", res.FinishReason)
	assert.Equal(t, 2, res.Continuations)
}

func TestCollectNoContinueControlMeansDone(t *testing.T) {
	src := &scriptedSource{chunks: []string{"an answer without terminal punctuation"}}
	cont := &scriptedContinuer{answers: []bool{false}}
	var sink bytes.Buffer

	res, err := collect(context.Background(), src, cont, &sink, 5)
	require.NoError(t, err)

	assert.Equal(t, "complete", res.FinishReason)
	assert.Equal(t, 0, res.Continuations)
}

func TestNaturalEnd(t *testing.T) {
	tests := []struct {
		chunk string
		want  bool
	}{
		{"Done.", true},
		{"Really?", true},
		{"Yes!", true},
		{"```go\ncode\n```", true},
		{"trailing whitespace counts.  ", true},
		{"", false},
		{"cut off mid", false},
		{"```go\nunclosed fence", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, naturalEnd(tt.chunk), "chunk %q", tt.chunk)
	}
}
