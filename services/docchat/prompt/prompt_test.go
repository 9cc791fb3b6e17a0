// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

func TestSystemMessage_ContextBetweenSentinels(t *testing.T) {
	msg := SystemMessage("page 3: the warranty lasts two years")

	assert.Equal(t, datatypes.RoleSystem, msg.Role)

	startIdx := strings.Index(msg.Content, ContextBlockStart)
	endIdx := strings.Index(msg.Content, ContextBlockEnd)
	require.GreaterOrEqual(t, startIdx, 0)
	require.Greater(t, endIdx, startIdx)

	between := msg.Content[startIdx+len(ContextBlockStart) : endIdx]
	assert.Equal(t, "\npage 3: the warranty lasts two years\n", between,
		"context must appear verbatim between the markers")
}

func TestSystemMessage_ExactSentinelStrings(t *testing.T) {
	// Clients scan for these exact strings; they are part of the contract.
	assert.Equal(t, "START CONTEXT BLOCK", ContextBlockStart)
	assert.Equal(t, "END OF CONTEXT BLOCK", ContextBlockEnd)
}

func TestSystemMessage_EmptyContextKeepsStructure(t *testing.T) {
	msg := SystemMessage("")

	assert.Contains(t, msg.Content, ContextBlockStart+"\n\n"+ContextBlockEnd,
		"empty retrieval still produces an empty block, not a missing one")
}

func TestCompose_FiltersToUserSubsequenceInOrder(t *testing.T) {
	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "first question"},
		{Role: datatypes.RoleAssistant, Content: "first answer"},
		{Role: datatypes.RoleSystem, Content: "injected system text"},
		{Role: datatypes.RoleUser, Content: "second question"},
		{Role: datatypes.RoleAssistant, Content: "second answer"},
		{Role: datatypes.RoleUser, Content: "third question"},
	}

	msgs := Compose("ctx", history)

	require.Len(t, msgs, 4, "system message plus the three user turns")
	assert.Equal(t, datatypes.RoleSystem, msgs[0].Role)
	assert.Equal(t, "first question", msgs[1].Content)
	assert.Equal(t, "second question", msgs[2].Content)
	assert.Equal(t, "third question", msgs[3].Content)
	for _, m := range msgs[1:] {
		assert.Equal(t, datatypes.RoleUser, m.Role)
	}
}

func TestCompose_SystemMessageAlwaysFirst(t *testing.T) {
	msgs := Compose("the context", []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "q"},
	})

	require.NotEmpty(t, msgs)
	assert.Equal(t, datatypes.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "the context")
}

func TestCompose_NoUserMessagesYieldsSystemOnly(t *testing.T) {
	msgs := Compose("ctx", []datatypes.Message{
		{Role: datatypes.RoleAssistant, Content: "only assistant turns"},
	})

	require.Len(t, msgs, 1)
	assert.Equal(t, datatypes.RoleSystem, msgs[0].Role)
}

func TestCompose_DoesNotMutateHistory(t *testing.T) {
	history := []datatypes.Message{
		{Role: datatypes.RoleAssistant, Content: "a"},
		{Role: datatypes.RoleUser, Content: "u"},
	}

	_ = Compose("ctx", history)

	assert.Equal(t, "a", history[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, history[0].Role)
}
