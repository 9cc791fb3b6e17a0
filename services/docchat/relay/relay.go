// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package relay pumps a model's byte stream to a client sink, decoding
// incrementally and persisting the assistant turn as it goes. The relay is
// deliberately ignorant of transport framing on both sides: upstream it
// sees plain bytes, downstream it hands decoded text to a ChunkSink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
	"github.com/docstream-ai/docchat/services/docchat/store"
)

var relayTracer = otel.Tracer("docchat.relay")

// readBufferSize bounds a single upstream read. Chunks handed to the sink
// are at most this many bytes plus one carried partial character.
const readBufferSize = 4096

// PersistenceMode selects how the assistant turn is written to storage.
type PersistenceMode string

const (
	// PersistPerTurn stores the whole assistant answer as a single message
	// once the stream ends.
	PersistPerTurn PersistenceMode = "per_turn"

	// PersistPerChunk stores every relayed chunk as its own message. The
	// write is awaited before the next upstream read, so storage holds a
	// prefix of the emitted stream at every point in time.
	PersistPerChunk PersistenceMode = "per_chunk"
)

// ChunkSink receives decoded text chunks in upstream arrival order.
//
// # Description
//
// Implemented by the SSE layer in production and by in-memory recorders in
// tests. WriteChunk must not reorder or buffer across calls: the relay's
// ordering guarantee ends at this interface.
type ChunkSink interface {
	// WriteChunk forwards one decoded chunk to the client. A returned
	// error aborts the relay.
	WriteChunk(content string) error
}

// Options configures a single relay run.
type Options struct {
	// ChatID is the conversation the assistant turn belongs to.
	ChatID string

	// Mode selects the persistence strategy. Empty defaults to
	// PersistPerTurn.
	Mode PersistenceMode
}

// Result summarizes a completed or aborted relay run.
type Result struct {
	// Answer is the full decoded assistant turn, including chunks emitted
	// before an abort.
	Answer string

	// AnswerHash is the SHA-256 hex hash of Answer, computed incrementally
	// as chunks arrived. Empty when the turn could not be finalized.
	AnswerHash string

	// Chunks is the number of chunks handed to the sink.
	Chunks int

	// Bytes is the total decoded payload size.
	Bytes int

	// Persisted is the number of messages written to storage.
	Persisted int
}

// Relay drives the read/decode/emit/persist loop for one stream.
type Relay struct {
	store store.ConversationStore
}

func New(st store.ConversationStore) *Relay {
	return &Relay{store: st}
}

// Run consumes upstream until EOF, error, or context cancellation.
//
// # Description
//
// Each iteration checks the context, reads at most readBufferSize bytes,
// decodes them (carrying split characters across reads), emits the chunk to
// the sink, and applies the persistence effect for the configured mode
// before the next read begins. The upstream reader is closed on every exit
// path, which tears down the provider's pump goroutine. The assistant turn
// accumulates in a secure buffer (see TurnAccumulator) that is wiped before
// Run returns.
//
// # Outputs
//
//   - *Result: always non-nil; on error it reflects work completed before
//     the abort, including a partial Answer.
//   - error: nil on clean EOF. Cancellation surfaces as the context's
//     error.
//
// Cancellation contract: once cancellation is observed, no further upstream
// reads or chunk emissions happen. In PersistPerChunk mode no writes follow
// the last emitted chunk. In PersistPerTurn mode the one coalesced write
// still happens on a detached context, covering exactly the chunks the
// client already received; the transcript records what was actually sent,
// at the cost of one write after the cancellation was observed.
func (r *Relay) Run(ctx context.Context, upstream io.ReadCloser, sink ChunkSink, opts Options) (*Result, error) {
	ctx, span := relayTracer.Start(ctx, "relay.Run")
	defer span.End()

	defer func() {
		if err := upstream.Close(); err != nil {
			slog.Warn("Failed to close upstream stream", "error", err)
		}
	}()

	mode := opts.Mode
	if mode == "" {
		mode = PersistPerTurn
	}
	span.SetAttributes(
		attribute.String("chat.id", opts.ChatID),
		attribute.String("relay.mode", string(mode)),
	)

	dec := NewChunkDecoder()
	buf := make([]byte, readBufferSize)
	turn := NewTurnAccumulator()
	defer turn.Destroy()
	res := &Result{}

	fail := func(err error) (*Result, error) {
		if answer, hash, ferr := turn.Finalize(); ferr == nil {
			res.Answer = answer
			res.AnswerHash = hash
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	seal := func(runErr error) (*Result, error) {
		out, err := r.finish(ctx, res, turn, mode, opts.ChatID, runErr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("relay.chunks", out.Chunks))
		if out.AnswerHash != "" {
			span.SetAttributes(attribute.String("relay.turn_hash", out.AnswerHash))
		}
		return out, err
	}

	for {
		select {
		case <-ctx.Done():
			return seal(ctx.Err())
		default:
		}

		n, readErr := upstream.Read(buf)
		if n > 0 {
			text, decErr := dec.Decode(buf[:n])
			if decErr != nil {
				return fail(decErr)
			}
			if err := r.emit(ctx, sink, res, turn, mode, opts.ChatID, text); err != nil {
				return fail(err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			// A cancelled request surfaces here as the transport's read
			// error; report it as cancellation, not a stream fault.
			if ctx.Err() != nil {
				return seal(ctx.Err())
			}
			return fail(fmt.Errorf("read completion stream: %w", readErr))
		}
	}

	tail, decErr := dec.Flush()
	if decErr != nil {
		return fail(decErr)
	}
	if err := r.emit(ctx, sink, res, turn, mode, opts.ChatID, tail); err != nil {
		return fail(err)
	}

	return seal(nil)
}

// emit forwards one decoded chunk and applies the per-chunk persistence
// effect. Empty chunks (a read that only completed a carried character can
// produce one) are skipped.
func (r *Relay) emit(ctx context.Context, sink ChunkSink, res *Result, turn TurnAccumulator, mode PersistenceMode, chatID, text string) error {
	if text == "" {
		return nil
	}
	if err := sink.WriteChunk(text); err != nil {
		return fmt.Errorf("emit chunk to client: %w", err)
	}
	res.Chunks++
	res.Bytes += len(text)
	if err := turn.Write(text); err != nil {
		return fmt.Errorf("accumulate assistant turn: %w", err)
	}

	if mode == PersistPerChunk {
		if err := r.store.AppendMessage(ctx, chatID, datatypes.RoleAssistant, text); err != nil {
			return fmt.Errorf("persist chunk: %w", err)
		}
		res.Persisted++
	}
	return nil
}

// finish extracts the turn from the secure buffer, seals the result and, in
// per-turn mode, writes the coalesced assistant message. The write is
// skipped when nothing was emitted. On a cancelled run the persistence
// context is already dead, so the write uses a detached context; losing the
// partial turn on top of the cancellation would make the transcript lie
// about what the client saw.
func (r *Relay) finish(ctx context.Context, res *Result, turn TurnAccumulator, mode PersistenceMode, chatID string, runErr error) (*Result, error) {
	answer, hash, err := turn.Finalize()
	if err != nil {
		slog.Error("Failed to finalize assistant turn",
			"chat_id", chatID, "accumulator_id", turn.ID(), "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("finalize assistant turn: %w", err)
		}
		return res, runErr
	}
	res.Answer = answer
	res.AnswerHash = hash
	if mode == PersistPerTurn && res.Answer != "" {
		persistCtx := ctx
		if ctx.Err() != nil {
			persistCtx = context.WithoutCancel(ctx)
		}
		if err := r.store.AppendMessage(persistCtx, chatID, datatypes.RoleAssistant, res.Answer); err != nil {
			slog.Error("Failed to persist assistant turn", "chat_id", chatID, "error", err)
			if runErr == nil {
				runErr = fmt.Errorf("persist assistant turn: %w", err)
			}
		} else {
			res.Persisted++
		}
	}
	return res, runErr
}
