package llm

import (
	"context"
	"errors"
	"io"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

// ErrNoStreamBody is returned when the completion service accepted the
// request but did not hand back a streamable body. There is no fallback to
// non-streaming; callers treat this as fatal for the request.
var ErrNoStreamBody = errors.New("no streamable body in completion response")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any completion backend.
//
// StreamCompletion opens a completion request with streaming mode requested
// explicitly and returns the model output as a raw stream of plain UTF-8
// text bytes. Provider framing (SSE deltas, NDJSON chunks) is unwrapped
// inside the backend; readers of the returned stream see only model text.
// Chunk boundaries are transport-defined and may split multi-byte
// characters.
//
// The returned ReadCloser must be closed by the caller in all exit paths.
// Cancelling ctx aborts the upstream request.
type LLMClient interface {
	StreamCompletion(ctx context.Context, messages []datatypes.Message,
		params GenerationParams) (io.ReadCloser, error)
}
