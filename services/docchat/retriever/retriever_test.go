// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retriever

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

func chunk(content string, certainty float64) datatypes.ChunkResult {
	c := datatypes.ChunkResult{Content: content}
	c.Additional.Certainty = certainty
	return c
}

func TestAssembleContext_JoinsChunksInMatchOrder(t *testing.T) {
	out := AssembleContext([]datatypes.ChunkResult{
		chunk("best match", 0.95),
		chunk("second match", 0.85),
	})

	assert.Equal(t, "best match\nsecond match", out)
}

func TestAssembleContext_DropsWeakMatches(t *testing.T) {
	out := AssembleContext([]datatypes.ChunkResult{
		chunk("strong", 0.9),
		chunk("weak", 0.4),
		chunk("also strong", 0.8),
	})

	assert.Equal(t, "strong\nalso strong", out)
}

func TestAssembleContext_KeepsChunksWithoutCertainty(t *testing.T) {
	// Some query paths return no certainty; absence of a score is not
	// evidence of a weak match.
	out := AssembleContext([]datatypes.ChunkResult{
		chunk("unscored", 0),
	})

	assert.Equal(t, "unscored", out)
}

func TestAssembleContext_SkipsEmptyChunks(t *testing.T) {
	out := AssembleContext([]datatypes.ChunkResult{
		chunk("  \n\t ", 0.9),
		chunk("real content", 0.9),
	})

	assert.Equal(t, "real content", out)
}

func TestAssembleContext_TruncatesAtByteCap(t *testing.T) {
	big := strings.Repeat("x", maxContextBytes)
	out := AssembleContext([]datatypes.ChunkResult{
		chunk(big, 0.9),
		chunk("overflow", 0.9),
	})

	assert.Len(t, out, maxContextBytes)
	assert.NotContains(t, out, "overflow")
}

func TestAssembleContext_TruncatesAtRuneBoundary(t *testing.T) {
	// One leading ASCII byte misaligns the cap from the three-byte euro
	// signs, so a naive byte cut would land mid-character.
	big := "x" + strings.Repeat("€", maxContextBytes)
	out := AssembleContext([]datatypes.ChunkResult{
		chunk(big, 0.9),
	})

	assert.LessOrEqual(t, len(out), maxContextBytes)
	assert.Greater(t, len(out), maxContextBytes-utf8.UTFMax)
	assert.True(t, utf8.ValidString(out))
	last, _ := utf8.DecodeLastRuneInString(out)
	assert.Equal(t, '€', last)
}

func TestAssembleContext_EmptyInput(t *testing.T) {
	assert.Empty(t, AssembleContext(nil))
}

func TestRetrievalError_WrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := &RetrievalError{FileKey: "doc.pdf", Err: cause}

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "doc.pdf")
}
