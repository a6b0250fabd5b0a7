package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"
)

func TestRetryDoHonorsTemporaryErrors(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	calls := 0
	out, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: 429, Body: "slow down", RetryAfter: time.Millisecond}
		}
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("RetryDo = %q, %v", out, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryDoStopsOnPermanentError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		return "", &HTTPError{Status: 401, Body: "bad key"}
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 401 {
		t.Fatalf("err = %v, want 401 HTTPError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for permanent error", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"garbage", 0},
		{"-3", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(future); got < 20*time.Second || got > 31*time.Second {
		t.Errorf("ParseRetryAfter(http date) = %v, want about 30s", got)
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-test" {
			t.Errorf("model = %v", body["model"])
		}
		msgs := body["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)
		if last["content"] != "say hi" {
			t.Errorf("prompt = %v", last["content"])
		}

		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
	}))
	defer srv.Close()

	p := NewOpenAI("test", "sk-test", srv.URL, "gpt-test", nil)
	res, err := p.Complete(context.Background(), Task{Prompt: "say hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "hi there" || res.Provider != "test" || res.Model != "gpt-test" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":1,\"total_tokens\":4}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI("test", "k", srv.URL, "m", nil)
	var got []Chunk
	res, err := p.Stream(context.Background(), Task{Prompt: "x"}, func(c Chunk) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want hello", res.Text)
	}
	if len(got) != 3 || got[0].Text != "hel" || got[1].Text != "lo" || !got[2].Done {
		t.Errorf("chunks = %+v", got)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestOpenAIStreamCallbackAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"c%d\"}}]}\n\n", i)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	stop := errors.New("client gone")
	p := NewOpenAI("test", "k", srv.URL, "m", nil)
	_, err := p.Stream(context.Background(), Task{Prompt: "x"}, func(c Chunk) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want callback error", err)
	}
}

func TestOpenAITranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		f.Close()
		if hdr.Filename != "audio.ogg" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		fmt.Fprint(w, `{"text":"hola mundo"}`)
	}))
	defer srv.Close()

	p := NewOpenAI("test", "k", srv.URL, "m", nil)
	res, err := p.Complete(context.Background(), Task{
		Kind:      TaskTranscribe,
		Audio:     []byte("fake-ogg-bytes"),
		AudioMime: "audio/ogg; codecs=opus",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "hola mundo" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "ak-test" {
			t.Errorf("api key header = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["system"] != "be brief" {
			t.Errorf("system = %v", body["system"])
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok"},{"type":"text","text":"ay"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":2}}`)
	}))
	defer srv.Close()

	p := NewAnthropic("anthropic", "ak-test", WithAnthropicBaseURL(srv.URL), WithAnthropicModel("claude-x"))
	res, err := p.Complete(context.Background(), Task{Prompt: "hi", System: "be brief"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "okay" || res.Model != "claude-x" {
		t.Errorf("result = %+v", res)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"message\":{\"usage\":{\"input_tokens\":8}}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"one \"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"two\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {}\n\n")
	}))
	defer srv.Close()

	p := NewAnthropic("anthropic", "k", WithAnthropicBaseURL(srv.URL), WithAnthropicModel("claude-x"))
	var text string
	res, err := p.Stream(context.Background(), Task{Prompt: "x"}, func(c Chunk) error {
		text += c.Text
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if text != "one two" || res.Text != "one two" {
		t.Errorf("text = %q / %q", text, res.Text)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 8 || res.Usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestLocalCompleteAndStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] == true {
			fmt.Fprint(w, `{"message":{"role":"assistant","content":"str"},"done":false}`+"\n")
			fmt.Fprint(w, `{"message":{"role":"assistant","content":"eam"},"done":false}`+"\n")
			fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":2}`+"\n")
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"full"},"done":true,"prompt_eval_count":5,"eval_count":1}`)
	}))
	defer srv.Close()

	p := NewLocal("ollama", srv.URL, "llama3", nil)

	res, err := p.Complete(context.Background(), Task{Prompt: "x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "full" || res.Usage == nil || res.Usage.TotalTokens != 6 {
		t.Errorf("complete result = %+v usage %+v", res, res.Usage)
	}

	var text string
	res, err = p.Stream(context.Background(), Task{Prompt: "x"}, func(c Chunk) error {
		text += c.Text
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if text != "stream" || res.Text != "stream" {
		t.Errorf("stream text = %q / %q", text, res.Text)
	}
	if res.Usage == nil || res.Usage.PromptTokens != 5 {
		t.Errorf("stream usage = %+v", res.Usage)
	}
}

func TestCLIProvider(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs cat")
	}

	p, err := NewCLI("cli-test", []string{"cat"}, "local-cli")
	if err != nil {
		t.Fatalf("NewCLI: %v", err)
	}

	var states []string
	p.OnProcess = func(agentID string, pid int, state string) {
		if agentID != "ag-1" || pid <= 0 {
			t.Errorf("hook agent=%q pid=%d", agentID, pid)
		}
		states = append(states, state)
	}

	res, err := p.Complete(context.Background(), Task{Prompt: "echo me", AgentID: "ag-1"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "echo me" {
		t.Errorf("text = %q", res.Text)
	}
	if len(states) != 2 || states[0] != "running" || states[1] != "exited" {
		t.Errorf("process states = %v", states)
	}

	var chunks []string
	if _, err := p.Stream(context.Background(), Task{Prompt: "a\nb"}, func(c Chunk) error {
		if !c.Done {
			chunks = append(chunks, c.Text)
		}
		return nil
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(chunks) != 2 || chunks[0] != "a" || chunks[1] != "\nb" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestCLIRejectsEmptyCommand(t *testing.T) {
	if _, err := NewCLI("x", nil, ""); err == nil {
		t.Fatal("want error for empty argv")
	}
}

func TestTaskRequires(t *testing.T) {
	tests := []struct {
		name string
		task Task
		want []string
	}{
		{"plain chat", Task{Prompt: "hi"}, []string{CapText}},
		{"vision", Task{Prompt: "what is this", Images: []ImageContent{{}}}, []string{CapText, CapVision}},
		{"transcribe", Task{Kind: TaskTranscribe}, []string{CapText, CapAudioIn}},
		{"speech", Task{Kind: TaskSpeech, Prompt: "say"}, []string{CapText, CapAudioOut}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.task.Requires()
			if len(got) != len(tt.want) {
				t.Fatalf("Requires() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Requires()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}
