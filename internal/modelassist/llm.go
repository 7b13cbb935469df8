package modelassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You are a meticulous research assistant extracting experimental-design parameters from scientific-paper text. Only report values you can support with a verbatim quote from the supplied text. If you are not confident, abstain — abstaining is always acceptable, fabricating is not. Respond with strict JSON only."

type transportFailure int

const (
	failureTimeout transportFailure = iota
	failureRateLimit
	failureServer
	failureClient
)

// Generator is the untrusted text-generation capability. Output is never
// trusted without the evidence contract.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int64, temperature float64) (string, error)
}

type AnthropicGenerator struct {
	messages AnthropicMessager
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicGeneratorFromEnv() (*AnthropicGenerator, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return &AnthropicGenerator{messages: newAnthropicClient(apiKey)}, nil
}

func (a *AnthropicGenerator) Generate(ctx context.Context, prompt string, maxTokens int64, temperature float64) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(temperature),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// generateJSON runs one model call with at most one bounded repair attempt
// for malformed output, plus transient-transport retries. Every call carries
// the engine's per-call timeout. Returns the number of calls actually made.
func (e *Engine) generateJSON(ctx context.Context, stage, prompt string, temperature float64, out any) (int, string, error) {
	calls := 0
	feedback := ""
	for attempt := 1; attempt <= 2; attempt++ {
		fullPrompt := prompt + "\n\nRespond with only valid JSON matching the schema."
		if feedback != "" {
			fullPrompt += "\n\n" + feedback
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		raw, err := e.gen.Generate(callCtx, fullPrompt, e.maxTokens, temperature)
		cancel()
		calls++
		if err != nil {
			switch classifyTransportError(err) {
			case failureRateLimit, failureServer:
				if attempt < 2 {
					time.Sleep(backoffDelay(attempt))
					continue
				}
			}
			return calls, "", fmt.Errorf("%s transport failure: %w", stage, err)
		}

		clean := stripCodeFences(strings.TrimSpace(raw))
		if clean == "" {
			if attempt < 2 {
				feedback = "Your previous response was empty. Respond with valid JSON."
				continue
			}
			return calls, raw, fmt.Errorf("%s failed: empty response", stage)
		}
		if err := json.Unmarshal([]byte(clean), out); err != nil {
			if attempt < 2 {
				feedback = "Your previous response was not valid JSON. Respond with only valid JSON."
				continue
			}
			return calls, raw, fmt.Errorf("%s failed json parse: %w", stage, err)
		}
		return calls, raw, nil
	}
	return calls, "", fmt.Errorf("%s failed after retries", stage)
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func classifyTransportError(err error) transportFailure {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}
