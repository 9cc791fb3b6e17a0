// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the document chat
// service: request intake and validation, the SSE writer, and the mapping
// from pipeline failures to client-visible errors.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docstream-ai/docchat/services/docchat/config"
	"github.com/docstream-ai/docchat/services/docchat/datatypes"
	"github.com/docstream-ai/docchat/services/docchat/observability"
	"github.com/docstream-ai/docchat/services/docchat/prompt"
	"github.com/docstream-ai/docchat/services/docchat/relay"
	"github.com/docstream-ai/docchat/services/docchat/retriever"
	"github.com/docstream-ai/docchat/services/docchat/store"
	"github.com/docstream-ai/docchat/services/llm"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// DocChatHandler defines the contract for the document chat HTTP endpoints.
//
// # Description
//
// Abstracts the chat endpoints for testing via mocks. The streaming
// endpoint answers a question about an uploaded document over Server-Sent
// Events; the messages endpoint reads back the persisted transcript.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; Gin calls handlers
// from multiple goroutines.
type DocChatHandler interface {
	// HandleChatStream processes POST /v1/chat/stream requests.
	//
	// # Description
	//
	// Resolves the chat, retrieves document context, composes the prompt,
	// opens the model stream, and relays decoded chunks to the client as
	// SSE token events followed by a terminal done or error event.
	//
	// HTTP status (before streaming starts):
	//   - 400 Bad Request: malformed body or validation failure
	//   - 404 Not Found: chat id resolves to no single chat record
	//   - 500 Internal Server Error: retrieval, model call, or SSE setup
	//     failure
	//
	// Once the first byte of the SSE body is written the status is fixed;
	// later failures surface as an error event and an abrupt close.
	HandleChatStream(c *gin.Context)

	// HandleListMessages processes GET /v1/chats/:chatId/messages requests,
	// returning the persisted conversation in creation order.
	HandleListMessages(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// docChatHandler implements DocChatHandler for production use.
//
// # Fields
//
//   - store: conversation persistence (chat lookup, message append/list)
//   - retriever: document context lookup by file key
//   - llmClient: streaming completion backend
//   - relay: the read/decode/emit/persist loop
//   - streamCfg: timeouts and persistence mode
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type docChatHandler struct {
	store     store.ConversationStore
	retriever retriever.ContextRetriever
	llmClient llm.LLMClient
	relay     *relay.Relay
	streamCfg config.StreamConfig
	tracer    trace.Tracer
}

// =============================================================================
// Constructor
// =============================================================================

// NewDocChatHandler creates the production handler.
//
// Panics on nil collaborators; those are programming errors, not runtime
// conditions.
func NewDocChatHandler(
	st store.ConversationStore,
	rt retriever.ContextRetriever,
	llmClient llm.LLMClient,
	streamCfg config.StreamConfig,
) DocChatHandler {
	if st == nil {
		panic("NewDocChatHandler: store must not be nil")
	}
	if rt == nil {
		panic("NewDocChatHandler: retriever must not be nil")
	}
	if llmClient == nil {
		panic("NewDocChatHandler: llmClient must not be nil")
	}

	return &docChatHandler{
		store:     st,
		retriever: rt,
		llmClient: llmClient,
		relay:     relay.New(st),
		streamCfg: streamCfg,
		tracer:    otel.Tracer("docchat.handlers.chat_stream"),
	}
}

// =============================================================================
// Streaming Handler
// =============================================================================

// HandleChatStream processes POST /v1/chat/stream requests.
//
// # Description
//
// The flow is:
//  1. Parse and validate request body
//  2. Resolve the chat record (exactly one match required)
//  3. Retrieve document context for the last message (bounded timeout)
//  4. Compose the grounded prompt (context block + user messages)
//  5. Open the model stream (streaming requested explicitly)
//  6. Set SSE headers and relay chunks, heartbeat in the background
//  7. Emit done with the chat id, or error on mid-stream failure
//
// No response bytes are written until the upstream stream is open, so
// every failure up to step 5 maps to a structured JSON status.
func (h *docChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointDocStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 1: Parse and validate
	var req datatypes.ChatStreamRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat stream request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults()

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("chat.id", req.ChatID),
		attribute.Int("request.message_count", len(req.Messages)),
	)

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat stream request validation failed",
			"error", err,
			"requestId", req.RequestID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	// Step 2: Resolve the chat. Zero or multiple matches both mean the
	// conversation cannot be answered against a known document.
	chat, err := h.store.FindChatByID(ctx, req.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			span.SetStatus(codes.Error, "chat not found")
			slog.Warn("Chat not found", "chatId", req.ChatID, "requestId", req.RequestID)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeChatNotFound)
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat lookup failed")
		slog.Error("Chat lookup failed", "error", err, "chatId", req.ChatID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeErrorForClient(err.Error())})
		return
	}
	span.SetAttributes(attribute.String("chat.file_key", chat.FileKey))

	// Step 3: Retrieve document context for the latest question
	query := req.LastMessage().Content
	retrievalCtx, cancelRetrieval := context.WithTimeout(ctx, h.streamCfg.RetrievalTimeout)
	contextText, err := h.retriever.Retrieve(retrievalCtx, query, chat.FileKey)
	cancelRetrieval()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context retrieval failed")
		slog.Error("Context retrieval failed",
			"error", err,
			"chatId", req.ChatID,
			"fileKey", chat.FileKey,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeRetrieval)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeErrorForClient(err.Error())})
		return
	}
	span.SetAttributes(attribute.Int("retrieval.context_bytes", len(contextText)))

	// Step 4: Compose the grounded prompt
	msgs := prompt.Compose(contextText, req.Messages)

	// Step 5: Open the model stream. The completion timeout covers the
	// whole generation, not just the dial.
	completionCtx, cancelCompletion := context.WithTimeout(ctx, h.streamCfg.CompletionTimeout)
	defer cancelCompletion()

	upstream, err := h.llmClient.StreamCompletion(completionCtx, msgs, llm.GenerationParams{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model stream open failed")
		slog.Error("Model stream open failed", "error", err, "chatId", req.ChatID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeLLMError)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeErrorForClient(err.Error())})
		return
	}

	// Step 6: From here on the response is an SSE stream
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		_ = upstream.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "error", err, "requestId", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	heartbeatDone := make(chan struct{})
	go runHeartbeat(completionCtx, sseWriter, endpoint, heartbeatDone)

	mode := relay.PersistPerTurn
	if h.streamCfg.PersistPerChunk {
		mode = relay.PersistPerChunk
	}
	sink := &sseChunkSink{writer: sseWriter, endpoint: endpoint, start: startTime}

	result, relayErr := h.relay.Run(completionCtx, upstream, sink, relay.Options{
		ChatID: req.ChatID,
		Mode:   mode,
	})

	close(heartbeatDone)

	span.SetAttributes(
		attribute.Int("stream.chunks", result.Chunks),
		attribute.Int("stream.bytes", result.Bytes),
		attribute.Int("stream.persisted", result.Persisted),
	)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordChunksRelayed(endpoint, result.Chunks)
		m.RecordMessagePersisted(datatypes.RoleAssistant, result.Persisted)
	}

	// Step 7: Terminal event
	if relayErr != nil {
		span.RecordError(relayErr)
		span.SetStatus(codes.Error, "stream relay failed")
		slog.Error("Stream relay failed",
			"error", relayErr,
			"chatId", req.ChatID,
			"chunks", result.Chunks,
		)
		if m := observability.DefaultMetrics; m != nil {
			if errors.Is(relayErr, context.Canceled) {
				m.RecordClientDisconnect(endpoint)
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			} else if errors.Is(relayErr, context.DeadlineExceeded) {
				m.RecordError(endpoint, observability.ErrorCodeTimeout)
			} else {
				m.RecordError(endpoint, observability.ErrorCodeLLMError)
			}
		}
		// Best effort; the connection may already be gone.
		_ = sseWriter.WriteError(sanitizeErrorForClient(relayErr.Error()))
		return
	}

	if err := sseWriter.WriteDone(req.ChatID); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event", "error", err, "chatId", req.ChatID)
		return
	}

	success = true
	slog.Info("Chat stream completed",
		"chatId", req.ChatID,
		"chunks", result.Chunks,
		"bytes", result.Bytes,
		"turnHash", result.AnswerHash,
		"durationMs", time.Since(startTime).Milliseconds(),
	)
}

// =============================================================================
// Relay Sink
// =============================================================================

// sseChunkSink bridges the relay's chunk stream onto the SSE writer and
// records time to first chunk.
type sseChunkSink struct {
	writer   SSEWriter
	endpoint observability.Endpoint
	start    time.Time
	first    bool
}

func (s *sseChunkSink) WriteChunk(content string) error {
	if !s.first {
		s.first = true
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstChunk(s.endpoint, time.Since(s.start).Seconds())
		}
	}
	return s.writer.WriteToken(content)
}

// =============================================================================
// Helpers
// =============================================================================

// runHeartbeat sends keepalive comments until the stream finishes.
func runHeartbeat(
	ctx context.Context,
	writer SSEWriter,
	endpoint observability.Endpoint,
	done <-chan struct{},
) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// sanitizeErrorForClient returns a generic message suitable for clients.
// The full error is logged internally; internals never cross the wire.
func sanitizeErrorForClient(errMsg string) string {
	slog.Debug("Sanitizing error for client", "original_error", errMsg)
	return "An error occurred while processing your request"
}
