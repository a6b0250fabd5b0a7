package providers

import "context"

// Provider is the interface all AI providers must implement.
type Provider interface {
	// Complete runs a task to completion and returns the full result.
	Complete(ctx context.Context, task Task) (*Result, error)

	// Stream runs a task and delivers response chunks via callback.
	// A non-nil callback error aborts the stream and is returned as-is.
	// Returns the final complete result after streaming ends.
	Stream(ctx context.Context, task Task, onChunk func(Chunk) error) (*Result, error)

	// Probe performs a cheap liveness check against the backend.
	Probe(ctx context.Context) error

	// Capabilities returns what the provider can handle
	// ("text", "vision", "audio-in", "audio-out").
	Capabilities() []string

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Task kinds. Chat is the default when Kind is empty.
const (
	TaskChat       = "chat"
	TaskExtract    = "extract"
	TaskIntent     = "intent"
	TaskTranslate  = "translate"
	TaskTranscribe = "transcribe"
	TaskSpeech     = "tts"
)

// Capability names reported by Capabilities and required by tasks.
const (
	CapText     = "text"
	CapVision   = "vision"
	CapAudioIn  = "audio-in"
	CapAudioOut = "audio-out"
)

// Task is a single unit of AI work. Prompt plus History form the
// conversation; System overrides the provider's default system prompt.
type Task struct {
	Kind    string    `json:"kind,omitempty"`
	Prompt  string    `json:"prompt"`
	System  string    `json:"system,omitempty"`
	History []Message `json:"history,omitempty"`

	// Vision and audio payloads. Audio holds raw bytes for transcribe
	// tasks; AudioMime describes their container.
	Images    []ImageContent `json:"images,omitempty"`
	Audio     []byte         `json:"-"`
	AudioMime string         `json:"audio_mime,omitempty"`

	// Routing hints. ComplexityHint is "simple", "balanced" or "complex";
	// empty means classify from the prompt. PreferFree biases the router
	// toward zero-cost tiers when capabilities allow.
	ComplexityHint string `json:"complexity_hint,omitempty"`
	PreferFree     bool   `json:"prefer_free,omitempty"`

	// Model forces a specific model on whichever provider serves the task.
	Model       string            `json:"model,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// AgentID attributes usage records. Empty for system-level calls.
	AgentID string `json:"agent_id,omitempty"`
}

// Requires returns the capabilities a provider must advertise to serve
// this task.
func (t Task) Requires() []string {
	caps := []string{CapText}
	if len(t.Images) > 0 {
		caps = append(caps, CapVision)
	}
	if t.Kind == TaskTranscribe {
		caps = append(caps, CapAudioIn)
	}
	if t.Kind == TaskSpeech {
		caps = append(caps, CapAudioOut)
	}
	return caps
}

// Result is the outcome of a completed task.
type Result struct {
	Text     string `json:"text"`
	Audio    []byte `json:"-"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Tier     string `json:"tier,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`
}

// Chunk is a piece of a streaming response.
type Chunk struct {
	Text string `json:"text,omitempty"`
	Done bool   `json:"done,omitempty"`
}

// ImageContent represents a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/jpeg"
	Data     string `json:"data"`      // base64-encoded image bytes
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
