package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults are used when a Request leaves a field empty.
type Defaults struct {
	Endpoint  string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
// One SDK client is kept per endpoint and key.
type OpenAIClient struct {
	defaults Defaults

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// Ensure OpenAIClient implements Client.
var _ Client = (*OpenAIClient)(nil)

// NewOpenAI creates an OpenAIClient.
func NewOpenAI(defaults Defaults) *OpenAIClient {
	return &OpenAIClient{
		defaults: defaults,
		clients:  make(map[string]*openai.Client),
	}
}

func (c *OpenAIClient) client(endpoint, apiKey string) *openai.Client {
	key := endpoint + "\x00" + apiKey
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if endpoint != "" {
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if c.defaults.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(c.defaults.Timeout))
	}
	cl := openai.NewClient(opts...)
	c.clients[key] = &cl
	return &cl
}

// Chat runs one chat completion.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	endpoint := firstNonEmpty(req.Endpoint, c.defaults.Endpoint)
	apiKey := firstNonEmpty(req.APIKey, c.defaults.APIKey)
	model := firstNonEmpty(req.Model, c.defaults.Model)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaults.MaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toParams(req.Messages),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.client(endpoint, apiKey).Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, &Error{Kind: KindBadFormat, Err: errors.New("empty choices")}
	}

	return Result{
		Text:     resp.Choices[0].Message.Content,
		Duration: time.Since(start),
	}, nil
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &Error{Kind: KindStatus, StatusCode: apiErr.StatusCode, Err: err}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &Error{Kind: KindBadFormat, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: fmt.Errorf("chat completion: %w", err)}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
