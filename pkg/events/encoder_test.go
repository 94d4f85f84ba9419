package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink collects decoded frames for assertions.
type memorySink struct {
	frames []Frame
}

func (s *memorySink) WriteFrame(data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func TestEncoder_PreservesProductionOrder(t *testing.T) {
	sink := &memorySink{}
	enc := NewEncoder(sink)

	require.NoError(t, enc.Encode(NewMessageChunk("thinking about it")))
	require.NoError(t, enc.Encode(NewToolStart("browse", "call-1", map[string]any{"action": "navigate"})))
	require.NoError(t, enc.Encode(NewToolComplete("browse", "call-1", ToolOutcome{Output: "ok"})))
	require.NoError(t, enc.End())

	require.Len(t, sink.frames, 4)
	assert.Equal(t, TypeMessageChunk, sink.frames[0].Type)
	assert.Equal(t, TypeToolStart, sink.frames[1].Type)
	assert.Equal(t, TypeToolComplete, sink.frames[2].Type)
	assert.Equal(t, TypeEnd, sink.frames[3].Type)

	for i, frame := range sink.frames {
		assert.Equal(t, int64(i+1), frame.Seq)
		assert.NotZero(t, frame.Ts)
	}
}

func TestEncoder_ExactlyOneTerminalFrame(t *testing.T) {
	sink := &memorySink{}
	enc := NewEncoder(sink)

	require.NoError(t, enc.End())
	assert.True(t, enc.Terminated())

	// A second terminal attempt is dropped, not duplicated.
	require.NoError(t, enc.End())
	require.NoError(t, enc.Fail("late failure"))

	terminals := 0
	for _, frame := range sink.frames {
		if frame.Type == TypeEnd || frame.Type == TypeError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestEncoder_RejectsEventsAfterTerminal(t *testing.T) {
	sink := &memorySink{}
	enc := NewEncoder(sink)

	require.NoError(t, enc.Fail("boom"))

	err := enc.Encode(NewMessageChunk("should not appear"))
	require.Error(t, err)
	require.Len(t, sink.frames, 1)
	assert.Equal(t, TypeError, sink.frames[0].Type)
}

func TestEncoder_FailClosesStreamWithMessage(t *testing.T) {
	sink := &memorySink{}
	enc := NewEncoder(sink)

	require.NoError(t, enc.Fail("think failed: provider unavailable"))

	require.Len(t, sink.frames, 1)
	data, err := json.Marshal(sink.frames[0].Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), "provider unavailable")
}

func TestWriterSink_AppendsNewlinePerFrame(t *testing.T) {
	var buf bytes.Buffer
	flushed := 0
	sink := &WriterSink{W: &buf, Flush: func() { flushed++ }}
	enc := NewEncoder(sink)

	require.NoError(t, enc.Encode(NewMessageChunk("a")))
	require.NoError(t, enc.End())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, 2, flushed)

	var first Frame
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, TypeMessageChunk, first.Type)
}

func TestNewToolStart_NilParamsRenderAsEmptyMapping(t *testing.T) {
	ev := NewToolStart("browse", "call-1", nil)

	start, ok := ev.Data.(ToolStart)
	require.True(t, ok)
	require.NotNil(t, start.Params)
	assert.Empty(t, start.Params)
}
