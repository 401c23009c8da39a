package transform

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/antigravity-bridge/proxy/internal/sigcache"
)

// TestPureThinkingPassesThrough covers spec Scenario 1.
func TestPureThinkingPassesThrough(t *testing.T) {
	input := []byte(`{"model":"gemini-3-pro-preview","thinking":{"type":"enabled","budget_tokens":1000},"messages":[{"role":"user","content":"hi"}]}`)
	out, meta := Request(input, "", nil, sigcache.New(0))

	if meta.ResolvedModel != "gemini-3-pro-preview" {
		t.Fatalf("resolved model = %q", meta.ResolvedModel)
	}
	budget := gjson.GetBytes(out, "request.generationConfig.thinkingConfig.thinkingBudget")
	if !budget.Exists() || budget.Int() != 1000 {
		t.Fatalf("expected thinkingBudget=1000, got %s", out)
	}
}

// TestThinkingWithToolsAndNoSignatureStripsThinking covers Scenario 2 / I5.
func TestThinkingWithToolsAndNoSignatureStripsThinking(t *testing.T) {
	input := []byte(`{
		"model":"gemini-3-pro-preview",
		"thinking":{"type":"enabled","budget_tokens":1000},
		"tools":[{"name":"get_weather","input_schema":{"type":"object"}}],
		"messages":[{"role":"user","content":"hi"}]
	}`)
	out, _ := Request(input, "", nil, sigcache.New(0))

	if gjson.GetBytes(out, "request.generationConfig.thinkingConfig").Exists() {
		t.Fatalf("expected thinkingConfig absent, got %s", out)
	}
}

// TestThinkingWithToolsAndStoredSignatureKeepsThinking covers Scenario 3.
func TestThinkingWithToolsAndStoredSignatureKeepsThinking(t *testing.T) {
	store := sigcache.New(0)
	store.Store("turn-1", "valid_signature_string_longer_than_10_chars")

	input := []byte(`{
		"model":"gemini-3-pro-preview",
		"thinking":{"type":"enabled","budget_tokens":1000},
		"tools":[{"name":"get_weather","input_schema":{"type":"object"}}],
		"messages":[{"role":"user","content":"hi"}]
	}`)
	out, _ := Request(input, "", nil, store)

	if !gjson.GetBytes(out, "request.generationConfig.thinkingConfig").Exists() {
		t.Fatalf("expected thinkingConfig present, got %s", out)
	}
}

// TestIdentityInjection covers Scenario 4 / I4.
func TestIdentityInjection(t *testing.T) {
	input := []byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	out, _ := Request(input, "", nil, nil)

	firstPart := gjson.GetBytes(out, "request.systemInstruction.parts.0.text").String()
	if !strings.Contains(firstPart, "You are Antigravity") {
		t.Errorf("expected identity text, got %q", firstPart)
	}
	if !strings.Contains(firstPart, "[IDENTITY_PATCH]") {
		t.Errorf("expected IDENTITY_PATCH marker, got %q", firstPart)
	}
}

// TestNoDoubleInjection covers Scenario 5.
func TestNoDoubleInjection(t *testing.T) {
	input := []byte(`{"model":"gemini-2.5-pro","system":"You are Antigravity, the best AI.","messages":[{"role":"user","content":"hi"}]}`)
	out, _ := Request(input, "", nil, nil)

	parts := gjson.GetBytes(out, "request.systemInstruction.parts").Array()
	for _, p := range parts {
		if strings.Contains(p.Get("text").String(), "[IDENTITY_PATCH]") {
			t.Fatalf("expected no IDENTITY_PATCH part, got %s", out)
		}
	}
	if len(parts) != 1 {
		t.Fatalf("expected exactly one system part, got %d: %s", len(parts), out)
	}
}

func TestToolUseAndToolResultRoundTrip(t *testing.T) {
	input := []byte(`{
		"model":"gemini-2.5-pro",
		"messages":[
			{"role":"assistant","content":[{"type":"tool_use","id":"call-abc-1-2","name":"get_weather","input":{"city":"nyc"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"call-abc-1-2","content":"sunny"}]}
		]
	}`)
	out, _ := Request(input, "proj-1", nil, nil)

	fn := gjson.GetBytes(out, "request.contents.0.parts.0.functionCall")
	if fn.Get("name").String() != "get_weather" {
		t.Fatalf("unexpected functionCall: %s", fn.Raw)
	}
	if fn.Get("args.city").String() != "nyc" {
		t.Fatalf("unexpected args: %s", fn.Raw)
	}
	sig := gjson.GetBytes(out, "request.contents.0.parts.0.thoughtSignature").String()
	if sig != skipSignatureSentinel {
		t.Fatalf("expected skip sentinel, got %q", sig)
	}

	result := gjson.GetBytes(out, "request.contents.1.parts.0.functionResponse")
	if result.Get("response.result").String() != "sunny" {
		t.Fatalf("unexpected functionResponse: %s", result.Raw)
	}

	if gjson.GetBytes(out, "project").String() != "proj-1" {
		t.Fatalf("expected project binding, got %s", out)
	}
}

func TestModelRouterResolvesKnownAndPassesThroughUnknown(t *testing.T) {
	router := ModelRouter{"claude-3-7-sonnet": "gemini-2.5-pro"}

	input := []byte(`{"model":"claude-3-7-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	_, meta := Request(input, "", router, nil)
	if meta.ResolvedModel != "gemini-2.5-pro" {
		t.Errorf("resolved model = %q", meta.ResolvedModel)
	}

	input2 := []byte(`{"model":"unmapped-model","messages":[{"role":"user","content":"hi"}]}`)
	_, meta2 := Request(input2, "", router, nil)
	if meta2.ResolvedModel != "unmapped-model" {
		t.Errorf("resolved model = %q", meta2.ResolvedModel)
	}
}

func TestMaxTokensAndGenerationConfigMapping(t *testing.T) {
	input := []byte(`{"model":"gemini-2.5-pro","max_tokens":256,"temperature":0.5,"top_p":0.9,"messages":[{"role":"user","content":"hi"}]}`)
	out, _ := Request(input, "", nil, nil)

	if gjson.GetBytes(out, "request.generationConfig.maxOutputTokens").Int() != 256 {
		t.Errorf("maxOutputTokens not mapped: %s", out)
	}
	if gjson.GetBytes(out, "request.generationConfig.temperature").Float() != 0.5 {
		t.Errorf("temperature not mapped: %s", out)
	}
	if gjson.GetBytes(out, "request.generationConfig.topP").Float() != 0.9 {
		t.Errorf("topP not mapped: %s", out)
	}
}
