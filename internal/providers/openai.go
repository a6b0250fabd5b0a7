package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OpenAI implements Provider for OpenAI-compatible APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, VLLM, etc.)
type OpenAI struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	caps         []string
	client       *http.Client
	retry        RetryConfig
}

func NewOpenAI(name, apiKey, apiBase, defaultModel string, caps []string) *OpenAI {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if len(caps) == 0 {
		caps = []string{CapText, CapVision}
	}
	return &OpenAI{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		caps:         caps,
		client:       &http.Client{Timeout: 120 * time.Second},
		retry:        DefaultRetryConfig(),
	}
}

func (p *OpenAI) Name() string           { return p.name }
func (p *OpenAI) DefaultModel() string   { return p.defaultModel }
func (p *OpenAI) Capabilities() []string { return p.caps }

func (p *OpenAI) model(task Task) string {
	if task.Model != "" {
		return task.Model
	}
	return p.defaultModel
}

func (p *OpenAI) Complete(ctx context.Context, task Task) (*Result, error) {
	switch task.Kind {
	case TaskTranscribe:
		return p.transcribe(ctx, task)
	case TaskSpeech:
		return p.speech(ctx, task)
	}

	body := p.buildChatBody(task, false)
	return RetryDo(ctx, p.retry, func() (*Result, error) {
		respBody, err := p.doJSON(ctx, "/chat/completions", body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.parseResponse(&resp, task), nil
	})
}

func (p *OpenAI) Stream(ctx context.Context, task Task, onChunk func(Chunk) error) (*Result, error) {
	if task.Kind == TaskTranscribe || task.Kind == TaskSpeech {
		return completeAsStream(ctx, p, task, onChunk)
	}

	body := p.buildChatBody(task, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doJSON(ctx, "/chat/completions", body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &Result{Model: p.model(task), Provider: p.name}

	err = scanSSE(respBody, func(_, data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if chunk.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			result.Text += text
			return onChunk(Chunk{Text: text})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := onChunk(Chunk{Done: true}); err != nil {
		return nil, err
	}
	return result, nil
}

// Probe lists models, which is cheap and exercises auth and connectivity.
func (p *OpenAI) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	p.setAuth(req)

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

func (p *OpenAI) transcribe(ctx context.Context, task Task) (*Result, error) {
	if len(task.Audio) == 0 {
		return nil, fmt.Errorf("%s: transcribe: no audio payload", p.name)
	}
	model := task.Model
	if model == "" {
		model = "whisper-1"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", audioFileName(task.AudioMime))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(task.Audio); err != nil {
		return nil, err
	}
	if err := w.WriteField("model", model); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return RetryDo(ctx, p.retry, func() (*Result, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/audio/transcriptions", bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		p.setAuth(req)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: transcribe: %w", p.name, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, httpError(p.name, resp)
		}

		var out struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("%s: transcribe: decode: %w", p.name, err)
		}
		return &Result{Text: out.Text, Model: model, Provider: p.name}, nil
	})
}

func (p *OpenAI) speech(ctx context.Context, task Task) (*Result, error) {
	model := task.Model
	if model == "" {
		model = "tts-1"
	}
	voice := task.Metadata["voice"]
	if voice == "" {
		voice = "alloy"
	}
	body := map[string]interface{}{
		"model": model,
		"input": task.Prompt,
		"voice": voice,
	}

	return RetryDo(ctx, p.retry, func() (*Result, error) {
		respBody, err := p.doJSON(ctx, "/audio/speech", body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		audio, err := io.ReadAll(respBody)
		if err != nil {
			return nil, fmt.Errorf("%s: speech: read: %w", p.name, err)
		}
		return &Result{Audio: audio, Model: model, Provider: p.name}, nil
	})
}

func (p *OpenAI) buildChatBody(task Task, stream bool) map[string]interface{} {
	msgs := make([]map[string]interface{}, 0, len(task.History)+2)
	if task.System != "" {
		msgs = append(msgs, map[string]interface{}{"role": "system", "content": task.System})
	}
	for _, m := range task.History {
		msgs = append(msgs, map[string]interface{}{"role": m.Role, "content": m.Content})
	}

	if len(task.Images) > 0 {
		var parts []map[string]interface{}
		for _, img := range task.Images {
			parts = append(parts, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
				},
			})
		}
		if task.Prompt != "" {
			parts = append(parts, map[string]interface{}{"type": "text", "text": task.Prompt})
		}
		msgs = append(msgs, map[string]interface{}{"role": "user", "content": parts})
	} else {
		msgs = append(msgs, map[string]interface{}{"role": "user", "content": task.Prompt})
	}

	body := map[string]interface{}{
		"model":    p.model(task),
		"messages": msgs,
		"stream":   stream,
	}
	if stream {
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if task.MaxTokens > 0 {
		body["max_tokens"] = task.MaxTokens
	}
	if task.Temperature > 0 {
		body["temperature"] = task.Temperature
	}
	return body
}

func (p *OpenAI) doJSON(ctx context.Context, path string, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.setAuth(req)

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

func (p *OpenAI) setAuth(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *OpenAI) parseResponse(resp *openAIResponse, task Task) *Result {
	result := &Result{Model: p.model(task), Provider: p.name}
	if len(resp.Choices) > 0 {
		result.Text = resp.Choices[0].Message.Content
	}
	if resp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result
}

// httpError drains the body into an HTTPError with the Retry-After hint.
func httpError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	return &HTTPError{
		Status:     resp.StatusCode,
		Body:       fmt.Sprintf("%s: %s", name, strings.TrimSpace(string(body))),
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// completeAsStream serves kinds without a streaming wire format by running
// Complete and emitting the whole result as one chunk.
func completeAsStream(ctx context.Context, p Provider, task Task, onChunk func(Chunk) error) (*Result, error) {
	result, err := p.Complete(ctx, task)
	if err != nil {
		return nil, err
	}
	if result.Text != "" {
		if err := onChunk(Chunk{Text: result.Text}); err != nil {
			return nil, err
		}
	}
	if err := onChunk(Chunk{Done: true}); err != nil {
		return nil, err
	}
	return result, nil
}

func audioFileName(mime string) string {
	switch {
	case strings.Contains(mime, "ogg"), strings.Contains(mime, "opus"):
		return "audio.ogg"
	case strings.Contains(mime, "wav"):
		return "audio.wav"
	case strings.Contains(mime, "m4a"), strings.Contains(mime, "mp4"):
		return "audio.m4a"
	case strings.Contains(mime, "webm"):
		return "audio.webm"
	default:
		return "audio.mp3"
	}
}

// --- OpenAI wire types (internal) ---

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
