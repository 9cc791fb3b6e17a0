// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

// =============================================================================
// Test Setup
// =============================================================================

// scriptedStream returns one scripted chunk per Read call, then EOF. It
// records close calls and how many reads happened before each append, which
// lets tests assert the awaited-write ordering.
type scriptedStream struct {
	chunks [][]byte
	next   int
	closed bool
	// readErr is returned after the scripted chunks instead of EOF
	readErr error
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if s.next >= len(s.chunks) {
		if s.readErr != nil {
			return 0, s.readErr
		}
		return 0, io.EOF
	}
	n := copy(p, s.chunks[s.next])
	s.next++
	return n, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type appendCall struct {
	ChatID  string
	Role    string
	Content string
	// ReadsSoFar is how many upstream reads had completed when the write
	// arrived.
	ReadsSoFar int
}

// recordingStore implements store.ConversationStore for relay testing.
type recordingStore struct {
	mu        sync.Mutex
	appends   []appendCall
	appendErr error
	stream    *scriptedStream
}

func (r *recordingStore) FindChatByID(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	return nil, errors.New("not used in relay tests")
}

func (r *recordingStore) AppendMessage(ctx context.Context, chatID, role, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	call := appendCall{ChatID: chatID, Role: role, Content: content}
	if r.stream != nil {
		call.ReadsSoFar = r.stream.next
	}
	r.appends = append(r.appends, call)
	return nil
}

func (r *recordingStore) ListMessages(ctx context.Context, chatID string, limit int) ([]datatypes.ChatMessage, error) {
	return nil, errors.New("not used in relay tests")
}

// recordingSink collects emitted chunks in order.
type recordingSink struct {
	chunks  []string
	failAt  int // fail on the Nth call (1-based); 0 means never
	onChunk func()
}

func (s *recordingSink) WriteChunk(content string) error {
	if s.failAt > 0 && len(s.chunks)+1 == s.failAt {
		return errors.New("sink write failed")
	}
	s.chunks = append(s.chunks, content)
	if s.onChunk != nil {
		s.onChunk()
	}
	return nil
}

func chunksOf(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

// =============================================================================
// Ordering and Persistence Tests
// =============================================================================

func TestRun_EmitsChunksInArrivalOrder(t *testing.T) {
	stream := &scriptedStream{chunks: chunksOf("Hel", "lo, ", "world")}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{}

	result, err := New(st).Run(context.Background(), stream, sink, Options{ChatID: "chat-1"})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo, ", "world"}, sink.chunks,
		"chunks must arrive in upstream order")
	assert.Equal(t, "Hello, world", result.Answer)
	assert.Equal(t, 3, result.Chunks)
	assert.True(t, stream.closed, "upstream must be closed on clean exit")
}

func TestRun_PerTurnPersistsOneCoalescedMessage(t *testing.T) {
	stream := &scriptedStream{chunks: chunksOf("Hel", "lo, ", "world")}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{}

	result, err := New(st).Run(context.Background(), stream, sink, Options{
		ChatID: "chat-1",
		Mode:   PersistPerTurn,
	})

	require.NoError(t, err)
	require.Len(t, st.appends, 1, "coalesced mode writes exactly one message")
	assert.Equal(t, "chat-1", st.appends[0].ChatID)
	assert.Equal(t, datatypes.RoleAssistant, st.appends[0].Role)
	assert.Equal(t, "Hello, world", st.appends[0].Content)
	assert.Equal(t, 1, result.Persisted)
}

func TestRun_PerChunkPersistsEveryChunkBeforeNextRead(t *testing.T) {
	stream := &scriptedStream{chunks: chunksOf("Hel", "lo, ", "world")}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{}

	result, err := New(st).Run(context.Background(), stream, sink, Options{
		ChatID: "chat-1",
		Mode:   PersistPerChunk,
	})

	require.NoError(t, err)
	require.Len(t, st.appends, 3)
	for i, want := range []string{"Hel", "lo, ", "world"} {
		assert.Equal(t, want, st.appends[i].Content)
		assert.Equal(t, datatypes.RoleAssistant, st.appends[i].Role)
		// The i-th write must land before read i+2 has happened: chunk N is
		// persisted while exactly N reads have completed.
		assert.Equal(t, i+1, st.appends[i].ReadsSoFar,
			"write %d must be awaited before the next read", i)
	}
	assert.Equal(t, 3, result.Persisted)
}

func TestRun_PerChunkPersistFailureAbortsBeforeNextRead(t *testing.T) {
	stream := &scriptedStream{chunks: chunksOf("one", "two", "three")}
	st := &recordingStore{stream: stream, appendErr: errors.New("weaviate down")}
	sink := &recordingSink{}

	_, err := New(st).Run(context.Background(), stream, sink, Options{
		ChatID: "chat-1",
		Mode:   PersistPerChunk,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist chunk")
	assert.Equal(t, 1, stream.next, "no further reads after a failed write")
	assert.True(t, stream.closed)
}

func TestRun_SinkFailureAbortsRelay(t *testing.T) {
	stream := &scriptedStream{chunks: chunksOf("one", "two", "three")}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{failAt: 2}

	result, err := New(st).Run(context.Background(), stream, sink, Options{ChatID: "chat-1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "emit chunk")
	assert.Equal(t, []string{"one"}, sink.chunks)
	assert.Equal(t, "one", result.Answer, "partial answer is reported")
	assert.True(t, stream.closed)
}

// =============================================================================
// Decoding Across Chunk Boundaries
// =============================================================================

func TestRun_SplitMultiByteRuneSurvivesChunkBoundary(t *testing.T) {
	// "héllo" with the two-byte é split across reads
	raw := []byte("héllo")
	stream := &scriptedStream{chunks: [][]byte{raw[:2], raw[2:]}}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{}

	result, err := New(st).Run(context.Background(), stream, sink, Options{
		ChatID: "chat-1",
		Mode:   PersistPerTurn,
	})

	require.NoError(t, err)
	assert.Equal(t, "héllo", result.Answer, "split rune must be reassembled")
	require.Len(t, st.appends, 1)
	assert.Equal(t, "héllo", st.appends[0].Content)
}

func TestRun_EmptyStreamPersistsNothing(t *testing.T) {
	stream := &scriptedStream{}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{}

	result, err := New(st).Run(context.Background(), stream, sink, Options{ChatID: "chat-1"})

	require.NoError(t, err)
	assert.Empty(t, sink.chunks)
	assert.Empty(t, st.appends, "no assistant message for an empty turn")
	assert.Equal(t, 0, result.Persisted)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestRun_CancellationStopsReads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	stream := &scriptedStream{chunks: chunksOf("one", "two", "three")}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{onChunk: cancel}

	result, err := New(st).Run(ctx, stream, sink, Options{
		ChatID: "chat-1",
		Mode:   PersistPerChunk,
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"one"}, sink.chunks, "no emissions after cancel")
	assert.Equal(t, 1, stream.next, "no reads after cancel")
	require.Len(t, st.appends, 1, "the in-flight chunk write completes, nothing more")
	assert.True(t, stream.closed, "upstream closed on the cancel path")
	assert.Equal(t, "one", result.Answer)
}

func TestRun_CancelledCoalescedRunStillPersistsPartialTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	stream := &scriptedStream{chunks: chunksOf("partial ", "answer", "never seen")}
	st := &recordingStore{stream: stream}
	emitted := 0
	sink := &recordingSink{onChunk: func() {
		emitted++
		if emitted == 2 {
			cancel()
		}
	}}

	result, err := New(st).Run(ctx, stream, sink, Options{
		ChatID: "chat-1",
		Mode:   PersistPerTurn,
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, st.appends, 1,
		"what the client saw must reach the transcript")
	assert.Equal(t, "partial answer", st.appends[0].Content)
	assert.Equal(t, "partial answer", result.Answer)
}

func TestRun_AnswerHashCoversPersistedTurn(t *testing.T) {
	stream := &scriptedStream{chunks: chunksOf("Hel", "lo, ", "world")}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{}

	result, err := New(st).Run(context.Background(), stream, sink, Options{
		ChatID: "chat-1",
		Mode:   PersistPerTurn,
	})

	require.NoError(t, err)
	want := sha256.Sum256([]byte("Hello, world"))
	assert.Equal(t, hex.EncodeToString(want[:]), result.AnswerHash,
		"the turn accumulator hashes exactly what was persisted")
	require.Len(t, st.appends, 1)
	assert.Equal(t, result.Answer, st.appends[0].Content)
}

func TestRun_UpstreamReadErrorSurfaces(t *testing.T) {
	stream := &scriptedStream{
		chunks:  chunksOf("ok"),
		readErr: errors.New("connection reset"),
	}
	st := &recordingStore{stream: stream}
	sink := &recordingSink{}

	result, err := New(st).Run(context.Background(), stream, sink, Options{ChatID: "chat-1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "read completion stream")
	assert.Equal(t, []string{"ok"}, sink.chunks, "chunks before the failure still reach the client")
	assert.Equal(t, "ok", result.Answer)
	assert.True(t, stream.closed)
}
