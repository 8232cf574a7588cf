// Package openai provides a narrative oracle backed by an OpenAI-compatible chat completions API.
//
// Example usage:
//
//	o, err := openai.NewOracle(
//	    os.Getenv("OPENAI_API_KEY"),
//	    openai.WithModel("gpt-4o-mini"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	text, err := o.Summarize(ctx, turns, oracle.Directive{Granularity: oracle.GranularityLocation})
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/entrhq/saga/pkg/logging"
	"github.com/entrhq/saga/pkg/oracle"
	"github.com/entrhq/saga/pkg/types"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("oracle-openai")
}

const (
	// DefaultBaseURL is the default OpenAI API base URL
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	defaultMaxTokens = 2048
)

// completionsService is the part of the SDK client the oracle uses.
type completionsService interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Oracle summarizes turns with a chat completion call.
type Oracle struct {
	completions completionsService
	renderer    *oracle.Renderer
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature *float64
	httpClient  *http.Client
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithModel sets the model to use for summaries.
func WithModel(model string) Option {
	return func(o *Oracle) {
		if model = strings.TrimSpace(model); model != "" {
			o.model = model
		}
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs.
func WithBaseURL(baseURL string) Option {
	return func(o *Oracle) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			o.baseURL = baseURL
		}
	}
}

// WithMaxTokens bounds the length of each summary.
func WithMaxTokens(n int) Option {
	return func(o *Oracle) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Oracle) {
		o.temperature = &t
	}
}

// WithRenderer sets the transcript renderer (and so the exclude patterns).
func WithRenderer(r *oracle.Renderer) Option {
	return func(o *Oracle) {
		if r != nil {
			o.renderer = r
		}
	}
}

// WithHTTPClient sets the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Oracle) {
		o.httpClient = c
	}
}

// NewOracle creates an oracle with the given API key.
//
// If apiKey is empty, it is read from OPENAI_API_KEY. If no base URL is given, OPENAI_BASE_URL
// is used when set.
func NewOracle(apiKey string, opts ...Option) (*Oracle, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	renderer, err := oracle.NewRenderer(oracle.DefaultExcludePatterns)
	if err != nil {
		return nil, err
	}

	o := &Oracle{
		renderer:  renderer,
		apiKey:    apiKey,
		baseURL:   DefaultBaseURL,
		model:     DefaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.baseURL == DefaultBaseURL {
		if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
			o.baseURL = envBaseURL
		}
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(o.apiKey),
		option.WithBaseURL(o.baseURL),
		// Retries belong to the pipeline, which can tell transient from fatal failures.
		option.WithMaxRetries(0),
	}
	if o.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(o.httpClient))
	}
	client := sdk.NewClient(reqOpts...)
	o.completions = &client.Chat.Completions
	return o, nil
}

// Model returns the model name being used.
func (o *Oracle) Model() string {
	return o.model
}

// BaseURL returns the base URL being used.
func (o *Oracle) BaseURL() string {
	return o.baseURL
}

// Summarize renders the turns, sends one chat completion request and validates the answer.
func (o *Oracle) Summarize(ctx context.Context, turns []types.Turn, d oracle.Directive) (string, error) {
	params := o.buildParams(turns, d)

	completion, err := o.completions.New(ctx, params)
	if err != nil {
		return "", classify(ctx, err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", oracle.ErrMalformedOutput)
	}

	choice := completion.Choices[0]
	if choice.FinishReason == "length" {
		debugLog.Warnf("summary for %s (%s) was truncated by the token limit", d.ModuleID, d.Granularity)
	}
	return oracle.CheckOutput(choice.Message.Content, 0)
}

func (o *Oracle) buildParams(turns []types.Turn, d oracle.Directive) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{
		Model:               shared.ChatModel(o.model),
		MaxCompletionTokens: sdk.Int(int64(o.maxTokens)),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(oracle.SystemPrompt(d)),
			sdk.UserMessage(oracle.UserPrompt(d, o.renderer.Render(turns))),
		},
	}
	if o.temperature != nil {
		params.Temperature = sdk.Float(*o.temperature)
	}
	return params
}

// classify maps SDK and transport errors to oracle errors.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", oracle.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: status %d", oracle.ErrTimeout, apiErr.StatusCode)
		}
		return fmt.Errorf("%w: status %d", oracle.ErrUnavailable, apiErr.StatusCode)
	}
	return fmt.Errorf("%w: %v", oracle.ErrUnavailable, err)
}
