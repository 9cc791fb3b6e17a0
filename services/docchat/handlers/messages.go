// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/docstream-ai/docchat/services/docchat/observability"
	"github.com/docstream-ai/docchat/services/docchat/store"
)

// defaultMessageLimit bounds the read-back when the caller doesn't ask for
// a specific page size.
const defaultMessageLimit = 100

// HandleListMessages processes GET /v1/chats/:chatId/messages requests.
//
// Returns the persisted conversation for the chat in creation order.
// Accepts an optional ?limit= query parameter. The chat must exist; an
// unknown id returns 404 so callers can distinguish an empty chat from a
// missing one.
func (h *docChatHandler) HandleListMessages(c *gin.Context) {
	endpoint := observability.EndpointMessages

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleListMessages")
	defer span.End()

	chatID := c.Param("chatId")
	span.SetAttributes(attribute.String("chat.id", chatID))

	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeValidation)
				m.RecordRequest(endpoint, false)
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	if _, err := h.store.FindChatByID(ctx, chatID); err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			span.SetStatus(codes.Error, "chat not found")
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeChatNotFound)
				m.RecordRequest(endpoint, false)
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat lookup failed")
		slog.Error("Chat lookup failed", "error", err, "chatId", chatID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
			m.RecordRequest(endpoint, false)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeErrorForClient(err.Error())})
		return
	}

	messages, err := h.store.ListMessages(ctx, chatID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message listing failed")
		slog.Error("Message listing failed", "error", err, "chatId", chatID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
			m.RecordRequest(endpoint, false)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeErrorForClient(err.Error())})
		return
	}

	span.SetAttributes(attribute.Int("messages.count", len(messages)))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpoint, true)
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id":  chatID,
		"messages": messages,
	})
}
