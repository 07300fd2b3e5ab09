package llm_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/llm"
)

func TestOpenAIComplete(t *testing.T) {
	mock := &mockChatClient{}
	client, err := llm.NewOpenAI(llm.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	mock.response = openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: `{"action_type":"done"}`,
				},
			},
		},
		Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 8, TotalTokens: 128},
	}

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Text: "you control a phone"},
			{Role: llm.RoleUser, Text: "open settings"},
		},
		JSONMode:    true,
		MaxTokens:   2048,
		Temperature: 0.1,
	})
	require.NoError(t, err)
	require.Equal(t, `{"action_type":"done"}`, resp.Content)
	require.Equal(t, 128, resp.Usage.TotalTokens)
	require.Equal(t, 120, resp.Usage.PromptTokens)

	req := mock.captured
	require.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, "you control a phone", req.Messages[0].Content)
	require.NotNil(t, req.ResponseFormat)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	require.Equal(t, 2048, req.MaxTokens)
}

func TestOpenAICompleteWithImages(t *testing.T) {
	mock := &mockChatClient{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
	}}
	client, err := llm.NewOpenAI(llm.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	// Minimal JPEG header so MIME sniffing resolves image/jpeg.
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	_, err = client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: "what do you see", Images: [][]byte{jpeg}},
		},
	})
	require.NoError(t, err)

	msg := mock.captured.Messages[0]
	require.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 2)
	require.Equal(t, openai.ChatMessagePartTypeText, msg.MultiContent[0].Type)
	require.Equal(t, "what do you see", msg.MultiContent[0].Text)
	require.Equal(t, openai.ChatMessagePartTypeImageURL, msg.MultiContent[1].Type)
	require.True(t, strings.HasPrefix(msg.MultiContent[1].ImageURL.URL, "data:image/jpeg;base64,"))
}

func TestOpenAICompleteNoJSONModeOmitsResponseFormat(t *testing.T) {
	mock := &mockChatClient{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
	}}
	client, err := llm.NewOpenAI(llm.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	require.Nil(t, mock.captured.ResponseFormat)
}

func TestOpenAICompletePropagatesErrors(t *testing.T) {
	mock := &mockChatClient{err: errors.New("upstream 429")}
	client, err := llm.NewOpenAI(llm.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "upstream 429")
}

func TestOpenAIRequiresDefaultModel(t *testing.T) {
	_, err := llm.NewOpenAI(llm.Options{Client: &mockChatClient{}})
	require.Error(t, err)
}

func TestMaskKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "***"},
		{"exactly12chr", "***"},
		{"sk-proj-abcdef1234567890wxyz", "sk-proj-…wxyz"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, llm.MaskKey(tc.in), "MaskKey(%q)", tc.in)
	}
}

type mockChatClient struct {
	response openai.ChatCompletionResponse
	captured openai.ChatCompletionRequest
	err      error
}

func (m *mockChatClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	m.captured = request
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return m.response, nil
}
