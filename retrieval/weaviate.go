// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// EvidenceClassName is the Weaviate class holding embedded evidence chunks.
const EvidenceClassName = "EvidenceChunk"

// WeaviateIndex implements Index over a Weaviate instance.
//
// Thread Safety: Safe for concurrent use.
type WeaviateIndex struct {
	client *weaviate.Client
}

var _ Index = (*WeaviateIndex)(nil)

// NewWeaviateIndex creates an index over an existing client.
func NewWeaviateIndex(client *weaviate.Client) (*WeaviateIndex, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	return &WeaviateIndex{client: client}, nil
}

// Search runs a nearText query against the evidence class.
//
// Description:
//
//	Returns up to topK chunks whose certainty clears minSimilarity,
//	ordered by certainty. Certainty is reported back as the hit
//	similarity.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	query - Free-text query. Must not be empty.
//	topK - Maximum hits. Must be positive.
//	minSimilarity - Certainty floor in [0,1].
//
// Outputs:
//
//	[]Hit - Matching chunks, best first. May be empty.
//	error - Non-nil on query failure; callers degrade to no evidence.
func (w *WeaviateIndex) Search(ctx context.Context, query string, topK int, minSimilarity float64) ([]Hit, error) {
	if query == "" {
		return nil, errors.New("query must not be empty")
	}
	if topK <= 0 {
		return nil, errors.New("top_k must be positive")
	}

	tracer := otel.Tracer("cognition/retrieval")
	ctx, span := tracer.Start(ctx, "retrieval.search")
	span.SetAttributes(
		attribute.Int("retrieval.top_k", topK),
		attribute.Float64("retrieval.min_similarity", minSimilarity),
	)
	defer span.End()

	nearText := w.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query}).
		WithCertainty(float32(minSimilarity))

	fields := []graphql.Field{
		{Name: "docId"},
		{Name: "chunkId"},
		{Name: "text"},
		{Name: "_additional { certainty }"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(EvidenceClassName).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evidence search: %w", err)
	}
	if len(result.Errors) > 0 {
		err := fmt.Errorf("evidence search: %s", result.Errors[0].Message)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits := parseHits(result)
	span.SetAttributes(attribute.Int("retrieval.hits", len(hits)))
	return hits, nil
}

func parseHits(result *models.GraphQLResponse) []Hit {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[EvidenceClassName].([]interface{})
	if !ok {
		return nil
	}

	hits := make([]Hit, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue // skip malformed objects
		}
		hit := Hit{
			DocID:   getString(m, "docId"),
			ChunkID: getString(m, "chunkId"),
			Text:    getString(m, "text"),
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				hit.Similarity = certainty
			}
		}
		hits = append(hits, hit)
	}
	return hits
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
