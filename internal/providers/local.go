package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Local implements Provider over an Ollama-style /api/chat endpoint.
// Streaming responses are newline-delimited JSON, not SSE.
type Local struct {
	name         string
	baseURL      string
	defaultModel string
	caps         []string
	client       *http.Client
	retry        RetryConfig
}

func NewLocal(name, baseURL, defaultModel string, caps []string) *Local {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if len(caps) == 0 {
		caps = []string{CapText}
	}
	return &Local{
		name:         name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		caps:         caps,
		// Local models can be slow to load on first use.
		client: &http.Client{Timeout: 300 * time.Second},
		retry:  RetryConfig{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 5 * time.Second},
	}
}

func (p *Local) Name() string           { return p.name }
func (p *Local) DefaultModel() string   { return p.defaultModel }
func (p *Local) Capabilities() []string { return p.caps }

func (p *Local) model(task Task) string {
	if task.Model != "" {
		return task.Model
	}
	return p.defaultModel
}

func (p *Local) Complete(ctx context.Context, task Task) (*Result, error) {
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

		var resp ollamaResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}

		result := &Result{Text: resp.Message.Content, Model: p.model(task), Provider: p.name}
		if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
			result.Usage = &Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return result, nil
	})
}

func (p *Local) Stream(ctx context.Context, task Task, onChunk func(Chunk) error) (*Result, error) {
	if task.Kind == TaskTranscribe || task.Kind == TaskSpeech {
		return nil, fmt.Errorf("%s: audio tasks not supported", p.name)
	}

	body := p.buildRequestBody(task, true)
	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &Result{Model: p.model(task), Provider: p.name}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var resp ollamaResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.Message.Content != "" {
			result.Text += resp.Message.Content
			if err := onChunk(Chunk{Text: resp.Message.Content}); err != nil {
				return nil, err
			}
		}
		if resp.Done {
			if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
				result.Usage = &Usage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
				}
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: stream read: %w", p.name, err)
	}

	if err := onChunk(Chunk{Done: true}); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Local) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
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

func (p *Local) buildRequestBody(task Task, stream bool) map[string]interface{} {
	msgs := make([]map[string]interface{}, 0, len(task.History)+2)
	if task.System != "" {
		msgs = append(msgs, map[string]interface{}{"role": "system", "content": task.System})
	}
	for _, m := range task.History {
		msgs = append(msgs, map[string]interface{}{"role": m.Role, "content": m.Content})
	}

	user := map[string]interface{}{"role": "user", "content": task.Prompt}
	if len(task.Images) > 0 {
		var images []string
		for _, img := range task.Images {
			images = append(images, img.Data)
		}
		user["images"] = images
	}
	msgs = append(msgs, user)

	body := map[string]interface{}{
		"model":    p.model(task),
		"messages": msgs,
		"stream":   stream,
	}

	options := map[string]interface{}{}
	if task.MaxTokens > 0 {
		options["num_predict"] = task.MaxTokens
	}
	if task.Temperature > 0 {
		options["temperature"] = task.Temperature
	}
	if len(options) > 0 {
		body["options"] = options
	}
	return body
}

func (p *Local) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

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

// --- Ollama wire types (internal) ---

type ollamaResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count,omitempty"`
	EvalCount       int  `json:"eval_count,omitempty"`
}
