package flow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/providers"
	"github.com/nextlevelbuilder/agenthub/internal/store"
)

type aiConfig struct {
	Prompt        string  `json:"prompt,omitempty"`
	System        string  `json:"system,omitempty"`
	HistoryLimit  int     `json:"historyLimit,omitempty"`
	Complexity    string  `json:"complexity,omitempty"`
	PreferFree    bool    `json:"preferFree,omitempty"`
	Model         string  `json:"model,omitempty"`
	MaxTokens     int     `json:"maxTokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	AttachTrigger bool    `json:"attachTriggerMedia,omitempty"`
	Var           string  `json:"var,omitempty"`
}

func (e *Executor) requireAI() error {
	if e.deps.AI == nil {
		return fault.New(fault.NoProviderAvailable, "no AI backend configured")
	}
	return nil
}

// nodeAIResponse is the general chat node. The prompt defaults to the
// trigger body; historyLimit pulls recent chat turns from the message
// log and attachTriggerMedia forwards the trigger image to
// vision-capable providers.
func (e *Executor) nodeAIResponse(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if err := e.requireAI(); err != nil {
		return nil, "", err
	}
	var cfg aiConfig
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}

	prompt := ec.Interpolate(cfg.Prompt)
	if prompt == "" {
		if v, ok := ec.Lookup("trigger.body"); ok {
			prompt = stringify(v)
		}
	}
	if prompt == "" {
		return nil, "", fault.New(fault.Validation, "node %s: empty prompt", node.NodeID)
	}

	task := providers.Task{
		Kind:           providers.TaskChat,
		Prompt:         prompt,
		System:         ec.Interpolate(cfg.System),
		ComplexityHint: cfg.Complexity,
		PreferFree:     cfg.PreferFree,
		Model:          cfg.Model,
		MaxTokens:      cfg.MaxTokens,
		Temperature:    cfg.Temperature,
		AgentID:        ec.AgentID,
	}
	if cfg.HistoryLimit > 0 {
		task.History = e.chatHistory(ctx, ec, cfg.HistoryLimit)
	}
	if cfg.AttachTrigger {
		if img, ok := e.triggerImage(ctx, ec); ok {
			task.Images = []providers.ImageContent{img}
		}
	}

	res, err := e.deps.AI.Complete(ctx, task)
	if err != nil {
		return nil, "", err
	}
	if cfg.Var != "" {
		ec.Set(cfg.Var, res.Text)
	}
	return map[string]any{
		"text":     res.Text,
		"provider": res.Provider,
		"model":    res.Model,
		"tier":     res.Tier,
	}, "", nil
}

// nodeAIRouter classifies without spending tokens: it reports which tier
// the router would pick so flows can branch on cost.
func (e *Executor) nodeAIRouter(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if err := e.requireAI(); err != nil {
		return nil, "", err
	}
	var cfg aiConfig
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	prompt := ec.Interpolate(cfg.Prompt)
	if prompt == "" {
		if v, ok := ec.Lookup("trigger.body"); ok {
			prompt = stringify(v)
		}
	}
	tier := e.deps.AI.Classify(providers.Task{
		Kind:           providers.TaskChat,
		Prompt:         prompt,
		ComplexityHint: cfg.Complexity,
		PreferFree:     cfg.PreferFree,
		AgentID:        ec.AgentID,
	})
	if cfg.Var != "" {
		ec.Set(cfg.Var, tier)
	}
	return map[string]any{"tier": tier}, "", nil
}

func (e *Executor) nodeAIExtract(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if err := e.requireAI(); err != nil {
		return nil, "", err
	}
	var cfg struct {
		Input  string   `json:"input"`
		Fields []string `json:"fields"`
		Var    string   `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	if len(cfg.Fields) == 0 {
		return nil, "", fault.New(fault.Validation, "node %s: fields required", node.NodeID)
	}
	input := ec.Interpolate(cfg.Input)

	prompt := fmt.Sprintf(
		"Extract the following fields from the text and answer with a single JSON object holding exactly these keys: %s. Use null for fields that are absent.\n\nText:\n%s",
		strings.Join(cfg.Fields, ", "), input)
	res, err := e.deps.AI.Complete(ctx, providers.Task{
		Kind:    providers.TaskExtract,
		Prompt:  prompt,
		AgentID: ec.AgentID,
	})
	if err != nil {
		return nil, "", err
	}
	data, err := firstJSON(res.Text)
	if err != nil {
		return nil, "", fault.Wrap(fault.Transient, err, "node %s: model returned no JSON", node.NodeID)
	}
	if cfg.Var != "" {
		ec.Set(cfg.Var, data)
	}
	return map[string]any{"data": data}, "", nil
}

func (e *Executor) nodeAIIntent(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if err := e.requireAI(); err != nil {
		return nil, "", err
	}
	var cfg struct {
		Input   string   `json:"input"`
		Intents []string `json:"intents"`
		Var     string   `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	if len(cfg.Intents) == 0 {
		return nil, "", fault.New(fault.Validation, "node %s: intents required", node.NodeID)
	}
	input := ec.Interpolate(cfg.Input)
	if input == "" {
		if v, ok := ec.Lookup("trigger.body"); ok {
			input = stringify(v)
		}
	}

	prompt := fmt.Sprintf(
		"Classify the message into exactly one of these intents: %s. Answer with the intent name only.\n\nMessage:\n%s",
		strings.Join(cfg.Intents, ", "), input)
	res, err := e.deps.AI.Complete(ctx, providers.Task{
		Kind:    providers.TaskIntent,
		Prompt:  prompt,
		AgentID: ec.AgentID,
	})
	if err != nil {
		return nil, "", err
	}

	answer := strings.ToLower(strings.TrimSpace(res.Text))
	intent := "unknown"
	for _, cand := range cfg.Intents {
		if strings.Contains(answer, strings.ToLower(cand)) {
			intent = cand
			break
		}
	}
	if cfg.Var != "" {
		ec.Set(cfg.Var, intent)
	}
	return map[string]any{"intent": intent, "raw": res.Text}, "", nil
}

func (e *Executor) nodeAITranslate(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if err := e.requireAI(); err != nil {
		return nil, "", err
	}
	var cfg struct {
		Input string `json:"input"`
		To    string `json:"to"`
		From  string `json:"from,omitempty"`
		Var   string `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	if cfg.To == "" {
		return nil, "", fault.New(fault.Validation, "node %s: target language required", node.NodeID)
	}
	input := ec.Interpolate(cfg.Input)
	if input == "" {
		if v, ok := ec.Lookup("trigger.body"); ok {
			input = stringify(v)
		}
	}

	from := "the source language"
	if cfg.From != "" {
		from = cfg.From
	}
	prompt := fmt.Sprintf("Translate the following text from %s to %s. Answer with the translation only.\n\n%s", from, cfg.To, input)
	res, err := e.deps.AI.Complete(ctx, providers.Task{
		Kind:     providers.TaskTranslate,
		Prompt:   prompt,
		Metadata: map[string]string{"to": cfg.To, "from": cfg.From},
		AgentID:  ec.AgentID,
	})
	if err != nil {
		return nil, "", err
	}
	text := strings.TrimSpace(res.Text)
	if cfg.Var != "" {
		ec.Set(cfg.Var, text)
	}
	return map[string]any{"text": text}, "", nil
}

func (e *Executor) nodeTranscribe(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if err := e.requireAI(); err != nil {
		return nil, "", err
	}
	if e.deps.Media == nil {
		return nil, "", fault.New(fault.Validation, "media cache is not available")
	}
	var cfg struct {
		MediaKey string `json:"mediaKey,omitempty"`
		Var      string `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	key := ec.Interpolate(cfg.MediaKey)
	if key == "" {
		if v, ok := ec.Lookup("trigger.mediaKey"); ok {
			key = stringify(v)
		}
	}
	if key == "" {
		return nil, "", fault.New(fault.Validation, "node %s: no media to transcribe", node.NodeID)
	}

	data, blob, err := e.deps.Media.Read(ctx, ec.AgentID, key)
	if err != nil {
		return nil, "", err
	}
	res, err := e.deps.AI.Complete(ctx, providers.Task{
		Kind:      providers.TaskTranscribe,
		Audio:     data,
		AudioMime: blob.MimeType,
		AgentID:   ec.AgentID,
	})
	if err != nil {
		return nil, "", err
	}
	text := strings.TrimSpace(res.Text)
	if cfg.Var != "" {
		ec.Set(cfg.Var, text)
	}
	return map[string]any{"text": text, "mediaKey": key}, "", nil
}

// nodeTTS synthesizes speech and lands it in the media cache so a
// send-media node can deliver it.
func (e *Executor) nodeTTS(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if err := e.requireAI(); err != nil {
		return nil, "", err
	}
	if e.deps.Media == nil {
		return nil, "", fault.New(fault.Validation, "media cache is not available")
	}
	var cfg struct {
		Text  string `json:"text"`
		Voice string `json:"voice,omitempty"`
		Var   string `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	text := ec.Interpolate(cfg.Text)
	if text == "" {
		return nil, "", fault.New(fault.Validation, "node %s: empty text", node.NodeID)
	}

	task := providers.Task{Kind: providers.TaskSpeech, Prompt: text, AgentID: ec.AgentID}
	if cfg.Voice != "" {
		task.Metadata = map[string]string{"voice": cfg.Voice}
	}
	res, err := e.deps.AI.Complete(ctx, task)
	if err != nil {
		return nil, "", err
	}
	if len(res.Audio) == 0 {
		return nil, "", fault.New(fault.Transient, "node %s: provider returned no audio", node.NodeID)
	}
	key, err := e.deps.Media.Put(ctx, ec.AgentID, res.Audio, "", "speech.mp3")
	if err != nil {
		return nil, "", err
	}
	if cfg.Var != "" {
		ec.Set(cfg.Var, key)
	}
	return map[string]any{"mediaKey": key}, "", nil
}

func (e *Executor) nodeRAGQuery(ctx context.Context, ec *Context, node *Node) (any, string, error) {
	if e.deps.RAG == nil {
		return nil, "", fault.New(fault.Validation, "knowledge retrieval is not available")
	}
	var cfg struct {
		Query     string   `json:"query"`
		Libraries []string `json:"libraries,omitempty"`
		TopK      int      `json:"topK,omitempty"`
		Var       string   `json:"var,omitempty"`
	}
	if err := parseConfig(node, &cfg); err != nil {
		return nil, "", err
	}
	query := ec.Interpolate(cfg.Query)
	if query == "" {
		if v, ok := ec.Lookup("trigger.body"); ok {
			query = stringify(v)
		}
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}

	chunks, err := e.deps.RAG.Query(ctx, cfg.Libraries, query, topK)
	if err != nil {
		return nil, "", err
	}
	out := make([]any, len(chunks))
	for i, ch := range chunks {
		out[i] = jsonify(ch)
	}
	if cfg.Var != "" {
		ec.Set(cfg.Var, out)
	}
	return map[string]any{"chunks": out, "count": len(chunks)}, "", nil
}

// chatHistory loads recent turns of the trigger chat, oldest first, as
// provider messages.
func (e *Executor) chatHistory(ctx context.Context, ec *Context, limit int) []providers.Message {
	if e.deps.Store == nil || ec.Trigger.Message == nil {
		return nil
	}
	msgs, _, err := e.deps.Store.ListMessages(ctx, ec.AgentID, ec.Trigger.Message.ChatID, store.Cursor{}, limit)
	if err != nil {
		e.log.Warn("flow.history_load_failed", "agent", ec.AgentID, "error", err)
		return nil
	}
	out := make([]providers.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Body == "" || m.ID == ec.Trigger.Message.ID {
			continue
		}
		role := "user"
		if m.FromMe {
			role = "assistant"
		}
		out = append(out, providers.Message{Role: role, Content: m.Body})
	}
	return out
}

func (e *Executor) triggerImage(ctx context.Context, ec *Context) (providers.ImageContent, bool) {
	if e.deps.Media == nil {
		return providers.ImageContent{}, false
	}
	v, ok := ec.Lookup("trigger.mediaKey")
	if !ok {
		return providers.ImageContent{}, false
	}
	data, blob, err := e.deps.Media.Read(ctx, ec.AgentID, stringify(v))
	if err != nil || !strings.HasPrefix(blob.MimeType, "image/") {
		return providers.ImageContent{}, false
	}
	return providers.ImageContent{
		MimeType: blob.MimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, true
}

// firstJSON pulls the first JSON object or array out of a model reply
// that may wrap it in prose or code fences.
func firstJSON(s string) (any, error) {
	s = strings.TrimSpace(s)
	var out any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, nil
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(s, pair[0])
		end := strings.LastIndex(s, pair[1])
		if start >= 0 && end > start {
			if err := json.Unmarshal([]byte(s[start:end+1]), &out); err == nil {
				return out, nil
			}
		}
	}
	return nil, fmt.Errorf("no JSON value in %q", truncate(s, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
