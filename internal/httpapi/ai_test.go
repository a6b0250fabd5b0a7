package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agenthub/internal/config"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
	"github.com/nextlevelbuilder/agenthub/internal/router"
)

// newOllamaStub speaks just enough of the local chat protocol for one
// streamed completion: two content lines, then the usage line.
func newOllamaStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
		case "/api/chat":
			w.Header().Set("Content-Type", "application/x-ndjson")
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hel"},"done":false}` + "\n"))
			_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"lo"},"done":false}` + "\n"))
			_, _ = w.Write([]byte(`{"done":true,"prompt_eval_count":3,"eval_count":2}` + "\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAIHarness(t *testing.T) *apiHarness {
	stub := newOllamaStub(t)
	return newAPIHarnessCfg(t, func(cfg *config.Config) {
		cfg.AI.Providers = []config.ProviderProfile{{
			ID:           "stub-local",
			Kind:         "local",
			BaseURL:      stub.URL,
			DefaultModel: "tiny",
		}}
	})
}

func TestAIRouteStreams(t *testing.T) {
	h := newAIHarness(t)

	res := h.do("POST", "/ai/route", "t1", map[string]string{"prompt": "hi"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	var events []map[string]any
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("got %d events, want chunks plus terminal", len(events))
	}

	var text strings.Builder
	for _, ev := range events {
		if s, ok := ev["text"].(string); ok {
			text.WriteString(s)
		}
	}
	if text.String() != "hello" {
		t.Errorf("streamed text = %q", text.String())
	}

	last := events[len(events)-1]
	if last["provider"] != "stub-local" || last["model"] != "tiny" || last["done"] != true {
		t.Errorf("terminal event = %v", last)
	}
	if tier, _ := last["tier"].(string); tier == "" {
		t.Errorf("terminal event missing tier: %v", last)
	}
	if usage, _ := last["usage"].(map[string]any); usage["total_tokens"] != float64(5) {
		t.Errorf("usage = %v", last["usage"])
	}
}

func TestAIRouteWithoutProviders(t *testing.T) {
	h := newAPIHarness(t)

	env := readEnv(t, h.do("POST", "/ai/route", "t1",
		map[string]string{"prompt": "hi"}), http.StatusServiceUnavailable)
	if env.Code != string(fault.NoProviderAvailable) {
		t.Errorf("code = %q", env.Code)
	}
}

func TestAIProvidersAndFailover(t *testing.T) {
	h := newAIHarness(t)

	env := readEnv(t, h.do("GET", "/ai/providers", "t1", nil), http.StatusOK)
	var got struct {
		Providers []providerView      `json:"providers"`
		Failover  map[string][]string `json:"failover"`
	}
	dataAs(t, env, &got)
	if len(got.Providers) != 1 || got.Providers[0].ID != "stub-local" || got.Providers[0].Kind != "local" {
		t.Fatalf("providers = %+v", got.Providers)
	}
	if len(got.Failover) != 0 {
		t.Errorf("failover preconfigured: %v", got.Failover)
	}

	readEnv(t, h.do("PUT", "/ai/failover", "t1", map[string][]string{}), http.StatusBadRequest)

	// Chains may only name configured providers.
	env = readEnv(t, h.do("PUT", "/ai/failover", "t1",
		map[string][]string{router.TierSimple: {"ghost"}}), http.StatusBadRequest)
	if env.Code != string(fault.Validation) {
		t.Errorf("unknown provider code = %q", env.Code)
	}

	readEnv(t, h.do("PUT", "/ai/failover", "t1",
		map[string][]string{router.TierSimple: {"stub-local"}}), http.StatusOK)

	env = readEnv(t, h.do("GET", "/ai/providers", "t1", nil), http.StatusOK)
	dataAs(t, env, &got)
	if chain := got.Failover[router.TierSimple]; len(chain) != 1 || chain[0] != "stub-local" {
		t.Errorf("failover after update = %v", got.Failover)
	}

	table, err := h.st.LoadFailover(context.Background())
	if err != nil {
		t.Fatalf("LoadFailover: %v", err)
	}
	if chain := table[router.TierSimple]; len(chain) != 1 || chain[0] != "stub-local" {
		t.Errorf("persisted failover = %v", table)
	}
}
