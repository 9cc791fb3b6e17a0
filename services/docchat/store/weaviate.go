// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

var storeTracer = otel.Tracer("docchat.store")

// WeaviateStore implements ConversationStore on top of Weaviate's DocChat
// and DocMessage classes.
type WeaviateStore struct {
	client *weaviate.Client
}

func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// Compile-time interface implementation check.
var _ ConversationStore = (*WeaviateStore)(nil)

// FindChatByID looks up a chat by its chat_id property.
//
// The query fetches up to two records so the exactly-one invariant can be
// enforced: zero matches and duplicate matches both return ErrChatNotFound,
// matching the behavior of the upload flow that created the record.
func (s *WeaviateStore) FindChatByID(ctx context.Context, chatID string) (*datatypes.Chat, error) {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.FindChatByID")
	defer span.End()
	span.SetAttributes(attribute.String("chat_id", chatID))

	where := filters.Where().
		WithPath([]string{"chat_id"}).
		WithOperator(filters.Equal).
		WithValueString(chatID)

	fields := []graphql.Field{
		{Name: "chat_id"},
		{Name: "file_key"},
		{Name: "created_at"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.ChatClassName).
		WithWhere(where).
		WithFields(fields...).
		WithLimit(2).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query chat %q: %w", chatID, err)
	}
	if len(resp.Errors) > 0 {
		err := fmt.Errorf("query chat %q: %s", chatID, resp.Errors[0].Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	queryResp, err := datatypes.ParseGraphQLResponse[datatypes.ChatQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse chat query response: %w", err)
	}

	chat, err := chatFromResults(chatID, queryResp.Get.DocChat)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return chat, nil
}

// chatFromResults enforces the exactly-one invariant on a chat lookup.
func chatFromResults(chatID string, results []datatypes.ChatResult) (*datatypes.Chat, error) {
	if len(results) != 1 {
		slog.Warn("Chat lookup did not resolve to exactly one record",
			"chat_id", chatID, "matches", len(results))
		return nil, fmt.Errorf("chat %q resolved to %d records: %w",
			chatID, len(results), ErrChatNotFound)
	}
	r := results[0]
	return &datatypes.Chat{
		ID:        r.ChatID,
		FileKey:   r.FileKey,
		CreatedAt: r.CreatedAt,
	}, nil
}

// AppendMessage writes one DocMessage object. Weaviate assigns the object
// UUID; ordering is carried by the created_at property.
func (s *WeaviateStore) AppendMessage(ctx context.Context, chatID, role, content string) error {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.AppendMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat_id", chatID),
		attribute.String("role", role),
		attribute.Int("content_length", len(content)),
	)

	props := datatypes.MessageProperties{
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}

	_, err := s.client.Data().Creator().
		WithClassName(datatypes.MessageClassName).
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("append message to chat %q: %w", chatID, err)
	}
	return nil
}

// ListMessages returns a chat's messages oldest first.
func (s *WeaviateStore) ListMessages(ctx context.Context, chatID string, limit int) ([]datatypes.ChatMessage, error) {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.ListMessages")
	defer span.End()
	span.SetAttributes(attribute.String("chat_id", chatID))

	if limit <= 0 {
		limit = 100
	}

	where := filters.Where().
		WithPath([]string{"chat_id"}).
		WithOperator(filters.Equal).
		WithValueString(chatID)

	sortBy := graphql.Sort{
		Path:  []string{"created_at"},
		Order: graphql.Asc,
	}

	fields := []graphql.Field{
		{Name: "chat_id"},
		{Name: "role"},
		{Name: "content"},
		{Name: "created_at"},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.MessageClassName).
		WithWhere(where).
		WithSort(sortBy).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query messages for chat %q: %w", chatID, err)
	}
	if len(resp.Errors) > 0 {
		err := fmt.Errorf("query messages for chat %q: %s", chatID, resp.Errors[0].Message)
		span.RecordError(err)
		return nil, err
	}

	queryResp, err := datatypes.ParseGraphQLResponse[datatypes.MessageQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse message query response: %w", err)
	}

	messages := make([]datatypes.ChatMessage, 0, len(queryResp.Get.DocMessage))
	for _, m := range queryResp.Get.DocMessage {
		messages = append(messages, datatypes.ChatMessage{
			ChatID:    m.ChatID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	span.SetAttributes(attribute.Int("messages_count", len(messages)))
	return messages, nil
}
