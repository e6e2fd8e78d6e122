package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/Chen-speculation/narrarc/internal/logging"
)

const reasoningPreamble = "Think through the question step by step before giving the final answer.\n\n"

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
// It implements both Completer and Reasoner.
type OpenAIClient struct {
	client openai.Client
	model  string
	retry  RetryPolicy
}

// NewOpenAIClient builds a client. baseURL may point at a vendor root, a /v1
// root, or a full /chat/completions URL; it is normalized to the /v1 root.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(NormalizeBaseURL(baseURL)))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
		retry:  DefaultRetry(),
	}
}

// NormalizeBaseURL reduces a user-supplied endpoint to the /v1 API root.
// Users paste full chat-completions URLs often enough that this is worth
// doing unconditionally.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	if idx := strings.Index(u, "/v1"); idx >= 0 {
		return u[:idx+len("/v1")]
	}
	return u + "/v1"
}

// Complete issues one chat completion. A schema on the request switches the
// call to strict structured output.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return c.complete(ctx, req, false)
}

// ThinkAndComplete issues one chat completion with a deliberation preamble
// when the response is free text. Structured requests go out unchanged:
// mixing a reasoning preamble with constrained JSON output degrades both.
func (c *OpenAIClient) ThinkAndComplete(ctx context.Context, req CompletionRequest) (string, error) {
	return c.complete(ctx, req, true)
}

func (c *OpenAIClient) complete(ctx context.Context, req CompletionRequest, reasoning bool) (string, error) {
	prompt := req.Prompt
	if reasoning && req.Schema == nil {
		prompt = reasoningPreamble + prompt
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(prompt),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.Schema.Name,
					Strict: openai.Bool(true),
					Schema: req.Schema.Definition,
				},
			},
		}
	}

	var text string
	err := c.retry.Do(ctx, func() error {
		timer := logging.StartTimer(logging.CategoryLLM, "chat completion")
		defer timer.Stop()

		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("completion call: %w", err)
	}
	return text, nil
}

// OpenAIEmbedder generates embeddings through an OpenAI-compatible endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dims   int
	retry  RetryPolicy
}

// NewOpenAIEmbedder builds the embedder. dims may be 0; it is then learned
// from the first response.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dims int) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(NormalizeBaseURL(baseURL)))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(opts...),
		model:  model,
		dims:   dims,
		retry:  DefaultRetry(),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	err := e.retry.Do(ctx, func() error {
		resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(e.model),
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(texts))
		}
		out = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			for j, v := range d.Embedding {
				vec[j] = float32(v)
			}
			out[i] = vec
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding call: %w", err)
	}
	if e.dims == 0 && len(out) > 0 {
		e.dims = len(out[0])
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Name() string { return fmt.Sprintf("openai:%s", e.model) }
