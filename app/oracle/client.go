package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bikegroups/calendar-sync/app/metrics"
)

// Client calls the Anthropic Messages API through the official SDK, which
// retries 429 and 5xx responses and transport failures with backoff.
type Client struct {
	apiKey string
	sdk    anthropic.Client
}

// NewClient builds a client for baseURL. timeout bounds each attempt; zero
// keeps the SDK default.
func NewClient(apiKey, baseURL string, httpClient *http.Client, maxRetries int, timeout time.Duration) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(strings.TrimSuffix(baseURL, "/") + "/"),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(maxRetries),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &Client{apiKey: apiKey, sdk: anthropic.NewClient(opts...)}
}

// Converse sends one request and returns the assistant's reply.
func (c *Client) Converse(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	params, err := messageParams(req)
	if err != nil {
		return nil, err
	}

	attempts := 0
	countAttempts := option.WithMiddleware(func(r *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		attempts++
		if attempts > 1 {
			slog.Warn("Retrying oracle request", "attempt", attempts-1, "model", req.Model)
		}
		return next(r)
	})

	msg, err := c.sdk.Messages.New(ctx, params, countAttempts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		apiErr := &APIError{Attempts: attempts, Err: err}
		var sdkErr *anthropic.Error
		if errors.As(err, &sdkErr) {
			apiErr.StatusCode = sdkErr.StatusCode
			apiErr.Body = sdkErr.RawJSON()
		}
		metrics.OracleRequests.WithLabelValues(strconv.Itoa(apiErr.StatusCode)).Inc()
		return nil, apiErr
	}

	resp := fromMessage(msg)
	metrics.OracleRequests.WithLabelValues("200").Inc()
	metrics.OracleTokens.WithLabelValues(req.Model, "input").Add(float64(resp.Usage.InputTokens))
	metrics.OracleTokens.WithLabelValues(req.Model, "output").Add(float64(resp.Usage.OutputTokens))
	return resp, nil
}

func messageParams(req Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	for _, tool := range req.Tools {
		schema, err := inputSchema(tool.InputSchema)
		if err != nil {
			return params, fmt.Errorf("tool %s: %w", tool.Name, err)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: schema,
		}})
	}

	for _, m := range req.Messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			block, err := blockParam(b)
			if err != nil {
				return params, err
			}
			blocks = append(blocks, block)
		}
		role := anthropic.MessageParamRoleUser
		if m.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		params.Messages = append(params.Messages, anthropic.MessageParam{Role: role, Content: blocks})
	}

	return params, nil
}

func inputSchema(raw json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil {
			return anthropic.ToolInputSchemaParam{}, fmt.Errorf("decode input schema: %w", err)
		}
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	return anthropic.ToolInputSchemaParam{Properties: schema.Properties, Required: schema.Required}, nil
}

func blockParam(b ContentBlock) (anthropic.ContentBlockParamUnion, error) {
	switch b.Type {
	case BlockText:
		return anthropic.NewTextBlock(b.Text), nil
	case BlockImage:
		if b.Source == nil {
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("image block without source")
		}
		return anthropic.NewImageBlockBase64(b.Source.MediaType, b.Source.Data), nil
	case BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return anthropic.NewToolUseBlock(b.ID, input, b.Name), nil
	case BlockToolResult:
		result := &anthropic.ToolResultBlockParam{ToolUseID: b.ToolUseID}
		if b.IsError {
			result.IsError = anthropic.Bool(true)
		}
		for _, inner := range b.Content {
			switch {
			case inner.Type == BlockText:
				result.Content = append(result.Content, anthropic.ToolResultBlockParamContentUnion{
					OfText: &anthropic.TextBlockParam{Text: inner.Text},
				})
			case inner.Type == BlockImage && inner.Source != nil:
				result.Content = append(result.Content, anthropic.ToolResultBlockParamContentUnion{
					OfImage: &anthropic.ImageBlockParam{Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      inner.Source.Data,
							MediaType: anthropic.Base64ImageSourceMediaType(inner.Source.MediaType),
						},
					}},
				})
			default:
				return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported tool result block %q", inner.Type)
			}
		}
		return anthropic.ContentBlockParamUnion{OfToolResult: result}, nil
	}
	return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported content block %q", b.Type)
}

func fromMessage(msg *anthropic.Message) *Response {
	resp := &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case BlockText:
			resp.Content = append(resp.Content, TextBlock(block.Text))
		case BlockToolUse:
			resp.Content = append(resp.Content, ContentBlock{
				Type:  BlockToolUse,
				ID:    block.ID,
				Name:  block.Name,
				Input: append(json.RawMessage(nil), block.Input...),
			})
		}
	}
	return resp
}
