// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Encapsulates the marshal/unmarshal round trip needed to turn Weaviate's
// dynamic response (map[string]models.JSONObject) into a strongly-typed Go
// struct. The target type T must carry json tags matching the response shape.
//
// # Limitations
//
//   - Type mismatches produce zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Query Response Types
// =============================================================================

// ChatQueryResponse is the shape of a GraphQL Get on the DocChat class.
type ChatQueryResponse struct {
	Get struct {
		DocChat []ChatResult `json:"DocChat"`
	} `json:"Get"`
}

// ChatResult is a single chat object from a query.
type ChatResult struct {
	ChatID     string `json:"chat_id"`
	FileKey    string `json:"file_key"`
	CreatedAt  int64  `json:"created_at"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// MessageQueryResponse is the shape of a GraphQL Get on the DocMessage class.
type MessageQueryResponse struct {
	Get struct {
		DocMessage []MessageResult `json:"DocMessage"`
	} `json:"Get"`
}

// MessageResult is a single message object from a query.
type MessageResult struct {
	ChatID    string `json:"chat_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// ChunkQueryResponse is the shape of a nearText Get on the DocumentChunk
// class populated by the indexing pipeline.
type ChunkQueryResponse struct {
	Get struct {
		DocumentChunk []ChunkResult `json:"DocumentChunk"`
	} `json:"Get"`
}

// ChunkResult is one matched passage with its similarity metadata.
type ChunkResult struct {
	Content    string `json:"content"`
	FileKey    string `json:"file_key"`
	PageNumber int    `json:"page_number"`
	Additional struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

// =============================================================================
// Typed Properties
// =============================================================================

// MessageProperties is the typed property set written for a DocMessage.
type MessageProperties struct {
	ChatID    string
	Role      string
	Content   string
	CreatedAt int64
}

func (p *MessageProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"chat_id":    p.ChatID,
		"role":       p.Role,
		"content":    p.Content,
		"created_at": p.CreatedAt,
	}
}
