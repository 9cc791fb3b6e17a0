// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the docchat service.
//
// This file contains the inbound request/response types for the streaming
// chat endpoint plus their validation rules. Weaviate-facing types live in
// weaviate_query.go and weaviate_schemas.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Roles
// =============================================================================

// The closed set of message author roles recognized by the store and the
// completion service. Messages persisted by the relay always carry
// RoleAssistant; messages persisted upstream of this service carry RoleUser.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so oversized payloads
// with multi-byte characters cannot slip past the limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Message
// =============================================================================

// Message is one role-tagged turn as supplied by the caller or forwarded to
// the completion service.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// =============================================================================
// Chat Stream Request
// =============================================================================

// ChatStreamRequest is the body of POST /v1/chat/stream.
//
// # Description
//
// Carries the caller's ordered message history and the chat identifier that
// resolves to the source document. The last message is treated as the query
// driving retrieval. The RequestID is generated server-side when absent and
// is used for log correlation only.
//
// # Validation
//
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Content: max 32KB per message
//   - ChatID: required
type ChatStreamRequest struct {
	RequestID string    `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp int64     `json:"timestamp"`
	Messages  []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	ChatID    string    `json:"chat_id" validate:"required"`
}

// Validate validates the ChatStreamRequest fields after JSON binding.
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates RequestID and Timestamp if the client omitted them.
func (r *ChatStreamRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// LastMessage returns the final message in the request history.
//
// The request must have passed Validate first; an empty history returns a
// zero Message.
func (r *ChatStreamRequest) LastMessage() Message {
	if len(r.Messages) == 0 {
		return Message{}
	}
	return r.Messages[len(r.Messages)-1]
}

// =============================================================================
// Entities
// =============================================================================

// Chat associates a conversation with one indexed source document.
// Created by the document upload flow; read-only here.
type Chat struct {
	ID        string `json:"chat_id"`
	FileKey   string `json:"file_key"`
	CreatedAt int64  `json:"created_at"`
}

// ChatMessage is one persisted turn of a chat. Never mutated after creation.
type ChatMessage struct {
	ChatID    string `json:"chat_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEvent is the SSE envelope written to the caller.
//
// Each event is assigned an Id, a CreatedAt timestamp (Unix milliseconds)
// and a SHA-256 hash chained to the previous event, so a client can verify
// that the stream arrived complete and in order.
type StreamEvent struct {
	Id        string `json:"id,omitempty"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	ChatId    string `json:"chat_id,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
}

// SSE event types emitted by the streaming endpoint.
const (
	StreamEventToken = "token"
	StreamEventError = "error"
	StreamEventDone  = "done"
)
