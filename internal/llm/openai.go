package llm

import (
	"context"
	"errors"
	"log/slog"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements ChatCompleter with the official openai-go SDK.
type OpenAIClient struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

var _ ChatCompleter = (*OpenAIClient)(nil)

// Options configures NewOpenAIClient.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIClient builds a client. SDK retries are disabled: a failed call is
// reported to the user as-is.
func NewOpenAIClient(opts Options, logger *slog.Logger) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai api key missing")
	}
	if opts.Model == "" {
		return nil, errors.New("openai model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
		logger: logger,
	}, nil
}

// Complete sends messages as one chat-completion request.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params = append(params, openai.ChatCompletionMessageParamOfAssistant(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: params,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			c.logger.Warn("chat completion rejected", "status", apiErr.StatusCode, "error", apiErr.Message)
			return &Completion{Error: &APIError{Message: apiErr.Message, StatusCode: apiErr.StatusCode}}, nil
		}
		c.logger.Error("chat completion failed", "error", err)
		return &Completion{Error: &APIError{Message: err.Error()}}, nil
	}

	out := &Completion{Choices: make([]Choice, 0, len(resp.Choices))}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, Choice{Message: Message{Role: RoleAssistant, Content: ch.Message.Content}})
	}
	return out, nil
}
