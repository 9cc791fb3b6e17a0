package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

var tracer = otel.Tracer("docchat.llm.ollama")

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []datatypes.Message    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL not configured")
	}
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		// No client-level timeout: a stream lives as long as generation
		// does. Deadlines come in through the request context.
		httpClient: &http.Client{},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// StreamCompletion implements the LLMClient interface against Ollama's
// /api/chat endpoint with stream=true. Ollama frames its stream as NDJSON;
// the frames are unwrapped here so callers read plain model text.
func (o *OllamaClient) StreamCompletion(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (io.ReadCloser, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.StreamCompletion")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	chatURL := o.baseURL + "/api/chat"
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  options,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ollama API call failed", "error", err)
		return nil, fmt.Errorf("Ollama API call failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode,
			"response", string(respBody))
		span.SetStatus(codes.Error, fmt.Sprintf("ollama status %d", resp.StatusCode))
		return nil, fmt.Errorf("ollama chat failed with status %d: %s",
			resp.StatusCode, string(respBody))
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		span.SetStatus(codes.Error, ErrNoStreamBody.Error())
		return nil, ErrNoStreamBody
	}

	pr, pw := io.Pipe()
	go func() {
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaChatChunk
			if decErr := dec.Decode(&chunk); decErr != nil {
				if errors.Is(decErr, io.EOF) {
					_ = pw.Close()
				} else {
					_ = pw.CloseWithError(fmt.Errorf("decode Ollama stream chunk: %w", decErr))
				}
				return
			}
			if chunk.Message.Content != "" {
				if _, writeErr := pw.Write([]byte(chunk.Message.Content)); writeErr != nil {
					return
				}
			}
			if chunk.Done {
				_ = pw.Close()
				return
			}
		}
	}()

	return pr, nil
}
