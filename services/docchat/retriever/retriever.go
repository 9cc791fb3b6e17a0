// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retriever fetches document context relevant to a query.
//
// The vector index over document chunks is populated by the out-of-scope
// indexing pipeline; this package only queries it. Retrieval is idempotent
// and side-effect-free from the pipeline's perspective.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

var retrieverTracer = otel.Tracer("docchat.retriever")

const (
	// maxChunks bounds how many matched passages go into one context block.
	maxChunks = 5

	// minCertainty drops weakly-related matches instead of padding the
	// prompt with noise.
	minCertainty = 0.7

	// maxContextBytes caps the assembled excerpt. Matches over the cap are
	// truncated, not summarized.
	maxContextBytes = 12 * 1024
)

// ContextRetriever returns a bounded block of text from one document's
// indexed representation, relevant to the query.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query, fileKey string) (string, error)
}

// RetrievalError reports a failed retrieval. Retrieval failures are not
// recovered locally; they abort the whole request.
type RetrievalError struct {
	FileKey string
	Err     error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve context for %q: %v", e.FileKey, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// WeaviateRetriever implements ContextRetriever with a nearText query over
// the DocumentChunk class, filtered to one document's chunks.
type WeaviateRetriever struct {
	client *weaviate.Client
}

func NewWeaviateRetriever(client *weaviate.Client) *WeaviateRetriever {
	return &WeaviateRetriever{client: client}
}

var _ ContextRetriever = (*WeaviateRetriever)(nil)

// Retrieve runs semantic search over the document's chunks and joins the
// best matches into one excerpt.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query, fileKey string) (string, error) {
	ctx, span := retrieverTracer.Start(ctx, "WeaviateRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("file_key", fileKey),
		attribute.Int("query_length", len(query)),
	)

	where := filters.Where().
		WithPath([]string{"file_key"}).
		WithOperator(filters.Equal).
		WithValueString(fileKey)

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "file_key"},
		{Name: "page_number"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	resp, err := r.client.GraphQL().Get().
		WithClassName(datatypes.DocumentChunkClassName).
		WithWhere(where).
		WithNearText(nearText).
		WithFields(fields...).
		WithLimit(maxChunks).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", &RetrievalError{FileKey: fileKey, Err: err}
	}
	if len(resp.Errors) > 0 {
		qErr := fmt.Errorf("graphql: %s", resp.Errors[0].Message)
		span.RecordError(qErr)
		span.SetStatus(codes.Error, qErr.Error())
		return "", &RetrievalError{FileKey: fileKey, Err: qErr}
	}

	queryResp, err := datatypes.ParseGraphQLResponse[datatypes.ChunkQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return "", &RetrievalError{FileKey: fileKey, Err: err}
	}

	contextText := AssembleContext(queryResp.Get.DocumentChunk)
	span.SetAttributes(
		attribute.Int("chunks_matched", len(queryResp.Get.DocumentChunk)),
		attribute.Int("context_bytes", len(contextText)),
	)
	slog.Debug("Retrieved document context",
		"file_key", fileKey,
		"chunks", len(queryResp.Get.DocumentChunk),
		"context_bytes", len(contextText),
	)
	return contextText, nil
}

// AssembleContext joins matched chunks into one bounded excerpt, best match
// first. Weak matches are dropped and the total is truncated at
// maxContextBytes.
func AssembleContext(chunks []datatypes.ChunkResult) string {
	var b strings.Builder
	for _, chunk := range chunks {
		if chunk.Additional.Certainty > 0 && chunk.Additional.Certainty < minCertainty {
			continue
		}
		content := strings.TrimSpace(chunk.Content)
		if content == "" {
			continue
		}
		if b.Len() >= maxContextBytes {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		remaining := maxContextBytes - b.Len()
		if remaining <= 0 {
			break
		}
		if len(content) > remaining {
			// Back up to a rune boundary so the cut never leaves a
			// partial character in the prompt.
			cut := remaining
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut]
		}
		b.WriteString(content)
	}
	return b.String()
}
