// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists and retrieves chat and message records.
//
// The store owns Chat and Message lifetime; the streaming pipeline holds no
// durable state of its own between requests. Messages are append-only:
// they are never mutated or deleted here.
package store

import (
	"context"
	"errors"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

// ErrChatNotFound is returned when a chat identifier does not resolve to
// exactly one chat record. Zero rows and duplicate rows are both invalid
// states and are reported identically.
var ErrChatNotFound = errors.New("chat not found")

// ConversationStore is the persistence contract consumed by the streaming
// pipeline.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; concurrent requests
// against the same chat may interleave their appends, and the store's own
// write ordering determines final read order. No additional locking happens
// above this interface.
type ConversationStore interface {
	// FindChatByID resolves a chat identifier to its single chat record.
	// Returns ErrChatNotFound unless exactly one record matches.
	FindChatByID(ctx context.Context, chatID string) (*datatypes.Chat, error)

	// AppendMessage durably appends one message to a chat. The write is
	// complete when the call returns; callers that need write-before-read
	// ordering await it.
	AppendMessage(ctx context.Context, chatID, role, content string) error

	// ListMessages returns up to limit messages of a chat in creation
	// order, oldest first.
	ListMessages(ctx context.Context, chatID string, limit int) ([]datatypes.ChatMessage, error)
}
