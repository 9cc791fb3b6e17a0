package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream-ai/docchat/services/docchat/datatypes"
)

func TestNewOpenAIClient_RequiresAPIKey(t *testing.T) {
	client, err := NewOpenAIClient("", "gpt-4o-mini", "")
	require.Error(t, err)
	assert.Nil(t, client)
}

func TestNewOpenAIClient_DefaultsModel(t *testing.T) {
	client, err := NewOpenAIClient("sk-test", "", "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", client.model)
}

// sseDelta writes one chat completion chunk in the wire format the
// completions endpoint streams.
func sseDelta(w io.Writer, content string) {
	fmt.Fprintf(w,
		"data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

func TestOpenAIStreamCompletion_UnwrapsDeltas(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		sseDelta(w, "Hel")
		sseDelta(w, "lo, ")
		sseDelta(w, "world")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := NewOpenAIClient("sk-test", "gpt-4o-mini", server.URL+"/v1")
	require.NoError(t, err)

	body, err := client.StreamCompletion(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{})
	require.NoError(t, err)
	defer body.Close()

	text, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", string(text))
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestOpenAIStreamCompletion_UpstreamErrorSurfacesBeforeStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid model"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewOpenAIClient("sk-test", "not-a-model", server.URL+"/v1")
	require.NoError(t, err)

	body, err := client.StreamCompletion(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{})
	require.Error(t, err)
	assert.Nil(t, body)
}

func TestToOpenAIMessages_PreservesRolesAndOrder(t *testing.T) {
	in := []datatypes.Message{
		{Role: "system", Content: "You answer from the document."},
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}
	out := toOpenAIMessages(in)
	require.Len(t, out, 4)
	for i := range in {
		assert.Equal(t, in[i].Role, out[i].Role)
		assert.Equal(t, in[i].Content, out[i].Content)
	}
}
