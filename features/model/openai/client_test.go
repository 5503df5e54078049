package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/model"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = request
	return f.resp, f.err
}

func okResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNewFromAPIKey_RequiresKey(t *testing.T) {
	_, err := NewFromAPIKey("", "")
	require.Error(t, err)
}

func TestComplete(t *testing.T) {
	chat := &fakeChat{resp: okResponse("the answer")}
	c, err := New(Options{Client: chat})
	require.NoError(t, err)

	temp := 0.3
	resp, err := c.Complete(context.Background(), model.Request{
		Model:       "gpt-4o",
		System:      "be helpful",
		Prompt:      "question",
		Temperature: &temp,
		JSONMode:    true,
	})
	require.NoError(t, err)
	require.Equal(t, "the answer", resp.Output)
	require.Equal(t, "gpt-4o", resp.Model)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	require.Equal(t, "gpt-4o", chat.req.Model)
	require.Len(t, chat.req.Messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, chat.req.Messages[0].Role)
	require.Equal(t, "be helpful", chat.req.Messages[0].Content)
	require.Equal(t, openai.ChatMessageRoleUser, chat.req.Messages[1].Role)
	require.Equal(t, float32(0.3), chat.req.Temperature)
	require.NotNil(t, chat.req.ResponseFormat)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, chat.req.ResponseFormat.Type)
}

func TestComplete_DefaultsModelAndOmitsSystem(t *testing.T) {
	chat := &fakeChat{resp: okResponse("ok")}
	c, err := New(Options{Client: chat})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, openai.GPT4oMini, resp.Model)
	require.Len(t, chat.req.Messages, 1)
	require.Equal(t, openai.ChatMessageRoleUser, chat.req.Messages[0].Role)
	require.Nil(t, chat.req.ResponseFormat)
}

func TestComplete_Errors(t *testing.T) {
	c, err := New(Options{Client: &fakeChat{err: errors.New("quota")}})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{Prompt: "hi"})
	require.Error(t, err)

	c, err = New(Options{Client: &fakeChat{}})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), model.Request{Prompt: "hi"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}
