// Copyright (C) 2025 Docstream AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompt composes the model input for a grounded completion.
//
// Composition is a pure transform: (retrieved context, caller history) to an
// ordered message list. No I/O, no state.
package prompt

import (
	"strings"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

// Sentinel markers bounding the interpolated context inside the system
// message. Clients and tests rely on these exact strings.
const (
	ContextBlockStart = "START CONTEXT BLOCK"
	ContextBlockEnd   = "END OF CONTEXT BLOCK"
)

const systemPreamble = `AI assistant is a brand new, powerful, human-like artificial intelligence.
The traits of AI include expert knowledge, helpfulness, cleverness, and articulateness.
AI is a well-behaved and well-mannered individual.
AI is always friendly, kind, and inspiring, and he is eager to provide vivid and thoughtful responses to the user.
AI has the sum of all knowledge in their brain, and is able to accurately answer nearly any question about any topic in conversation.`

const systemEpilogue = `AI assistant will take into account any CONTEXT BLOCK that is provided in a conversation.
If the context does not provide the answer to a question, the AI assistant will say, "I'm sorry, but I don't know the answer to that question".
AI assistant will not apologize for previous responses, but instead will indicate new information was gained.
AI assistant will not invent anything that is not drawn directly from the context.`

// SystemMessage builds the fixed system preamble with contextText
// interpolated verbatim between the sentinel markers.
func SystemMessage(contextText string) datatypes.Message {
	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n")
	b.WriteString(ContextBlockStart)
	b.WriteString("\n")
	b.WriteString(contextText)
	b.WriteString("\n")
	b.WriteString(ContextBlockEnd)
	b.WriteString("\n")
	b.WriteString(systemEpilogue)

	return datatypes.Message{
		Role:    datatypes.RoleSystem,
		Content: b.String(),
	}
}

// Compose produces the ordered model input: the system message first, then
// exactly the user-role subsequence of the caller's history in its original
// relative order.
//
// Assistant and system messages supplied by the caller are filtered out and
// never forwarded: prior assistant turns are not re-sent as conversational
// context, which keeps the prompt size bounded by the number of user turns
// plus one retrieval block, independent of assistant output length.
func Compose(contextText string, history []datatypes.Message) []datatypes.Message {
	messages := make([]datatypes.Message, 0, len(history)+1)
	messages = append(messages, SystemMessage(contextText))
	for _, m := range history {
		if m.Role != datatypes.RoleUser {
			continue
		}
		messages = append(messages, m)
	}
	return messages
}
