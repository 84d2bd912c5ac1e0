// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval provides the evidence index contract and the tiered
// glimpse/revise escalation over it.
//
// Retrieval output is purely advisory: hits are recorded as evidence on the
// next matcher run but never persisted as authoritative state, and an
// unavailable index degrades to "no evidence" rather than failing the
// analysis attempt.
package retrieval

import (
	"context"
	"fmt"
)

// Hit is one similarity-search result from the evidence index.
type Hit struct {
	// DocID identifies the source document.
	DocID string `json:"doc_id"`

	// ChunkID identifies the chunk within the document.
	ChunkID string `json:"chunk_id"`

	// Similarity is the search certainty in [0,1].
	Similarity float64 `json:"similarity"`

	// Text is the chunk content.
	Text string `json:"text"`
}

// Ref returns the evidence reference recorded into pattern matches.
func (h Hit) Ref() string {
	return fmt.Sprintf("%s#%s", h.DocID, h.ChunkID)
}

// Index is the similarity search service over embedded evidence chunks.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Index interface {
	// Search returns the top-k nearest chunks for a query, filtered by a
	// minimum similarity floor.
	Search(ctx context.Context, query string, topK int, minSimilarity float64) ([]Hit, error)
}
