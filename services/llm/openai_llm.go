package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client for the OpenAI chat completions API.
// The credential is loaded once at startup and injected here; an empty
// baseURL targets the public API, anything else an OpenAI-compatible server.
func NewOpenAIClient(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is missing")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	slog.Info("Initializing OpenAI client", "model", model, "base_url", cfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// StreamCompletion implements the LLMClient interface.
//
// The go-openai stream of content deltas is bridged onto the raw byte-stream
// contract with an io.Pipe: the pump goroutine blocks on each Write until
// the reader has consumed the previous chunk, so the reader's pace throttles
// how fast deltas are pulled from the wire. Closing the returned reader
// tears the pump down and releases the upstream stream.
func (o *OpenAIClient) StreamCompletion(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (io.ReadCloser, error) {

	slog.Debug("Opening OpenAI completion stream", "model", o.model, "num_messages", len(messages))

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI stream request failed", "error", err)
		return nil, fmt.Errorf("OpenAI stream request failed: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		for {
			resp, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				_ = pw.Close()
				return
			}
			if recvErr != nil {
				_ = pw.CloseWithError(fmt.Errorf("OpenAI stream read failed: %w", recvErr))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if _, writeErr := pw.Write([]byte(delta)); writeErr != nil {
				// Reader closed its end; stop pulling from the wire.
				return
			}
		}
	}()

	return pr, nil
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return out
}
