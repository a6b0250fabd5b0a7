package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// Anthropic implements Provider over the Anthropic messages API.
type Anthropic struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retry        RetryConfig
}

func NewAnthropic(name, apiKey string, opts ...AnthropicOption) *Anthropic {
	if name == "" {
		name = "anthropic"
	}
	p := &Anthropic{
		name:    name,
		apiKey:  apiKey,
		baseURL: anthropicAPIBase,
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type AnthropicOption func(*Anthropic)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *Anthropic) { p.defaultModel = model }
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *Anthropic) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (p *Anthropic) Name() string           { return p.name }
func (p *Anthropic) DefaultModel() string   { return p.defaultModel }
func (p *Anthropic) Capabilities() []string { return []string{CapText, CapVision} }

func (p *Anthropic) model(task Task) string {
	if task.Model != "" {
		return task.Model
	}
	return p.defaultModel
}

func (p *Anthropic) Complete(ctx context.Context, task Task) (*Result, error) {
	if task.Kind == TaskTranscribe || task.Kind == TaskSpeech {
		return nil, fmt.Errorf("%s: audio tasks not supported", p.name)
	}

	body := p.buildRequestBody(task, false)
	return RetryDo(ctx, p.retry, func() (*Result, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.parseResponse(&resp, task), nil
	})
}

func (p *Anthropic) Stream(ctx context.Context, task Task, onChunk func(Chunk) error) (*Result, error) {
	if task.Kind == TaskTranscribe || task.Kind == TaskSpeech {
		return nil, fmt.Errorf("%s: audio tasks not supported", p.name)
	}

	body := p.buildRequestBody(task, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &Result{Model: p.model(task), Provider: p.name}

	err = scanSSE(respBody, func(event, data string) error {
		switch event {
		case "message_start":
			var ev anthropicMessageStartEvent
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Message.Usage.InputTokens > 0 {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.PromptTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_delta":
			var ev anthropicDeltaEvent
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				result.Text += ev.Delta.Text
				return onChunk(Chunk{Text: ev.Delta.Text})
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Usage.OutputTokens > 0 {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "error":
			var ev anthropicErrorEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				return fmt.Errorf("%s: stream error: %s: %s", p.name, ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
			return errStreamDone
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	if err := onChunk(Chunk{Done: true}); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Anthropic) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: probe: %w", p.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode, Body: p.name + ": probe failed"}
	}
	return nil
}

func (p *Anthropic) buildRequestBody(task Task, stream bool) map[string]interface{} {
	var messages []map[string]interface{}
	for _, m := range task.History {
		// The messages API takes system text as a top-level field.
		if m.Role == "system" {
			continue
		}
		messages = append(messages, map[string]interface{}{
			"role":    m.Role,
			"content": m.Content,
		})
	}

	if len(task.Images) > 0 {
		var blocks []map[string]interface{}
		for _, img := range task.Images {
			blocks = append(blocks, map[string]interface{}{
				"type": "image",
				"source": map[string]interface{}{
					"type":       "base64",
					"media_type": img.MimeType,
					"data":       img.Data,
				},
			})
		}
		if task.Prompt != "" {
			blocks = append(blocks, map[string]interface{}{"type": "text", "text": task.Prompt})
		}
		messages = append(messages, map[string]interface{}{"role": "user", "content": blocks})
	} else {
		messages = append(messages, map[string]interface{}{"role": "user", "content": task.Prompt})
	}

	body := map[string]interface{}{
		"model":      p.model(task),
		"max_tokens": anthropicMaxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if task.System != "" {
		body["system"] = task.System
	}
	if task.MaxTokens > 0 {
		body["max_tokens"] = task.MaxTokens
	}
	if task.Temperature > 0 {
		body["temperature"] = task.Temperature
	}
	return body
}

func (p *Anthropic) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpError(p.name, resp)
	}
	return resp.Body, nil
}

func (p *Anthropic) parseResponse(resp *anthropicResponse, task Task) *Result {
	result := &Result{Model: p.model(task), Provider: p.name}
	for _, block := range resp.Content {
		if block.Type == "text" {
			result.Text += block.Text
		}
	}
	result.Usage = &Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return result
}

// --- Anthropic wire types (internal) ---

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicDeltaEvent struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
