// Package transform implements the Request Transformer (spec.md §4.7):
// a pure, synchronous rewrite of a dialect-A (Claude-style) chat request
// into a dialect-B (Gemini-style) internal RPC request.
//
// Grounded directly on
// internal/translator/antigravity/claude/antigravity_claude_request.go:
// the same gjson/sjson streaming-rewrite idiom (build up a JSON string
// with sjson.Set/SetRaw rather than unmarshalling into Go structs), the
// same part-ordering and thinking/tool-safety logic, re-plumbed through
// an injected sigcache.Store instead of a package-global cache so the
// transformer stays lock-free and hermetic to test.
package transform

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/antigravity-bridge/proxy/internal/sigcache"
)

// IdentityMarker is the literal token whose presence in the caller's
// system prompt suppresses the core-owned identity block (spec §4.7
// step 3, I4).
const IdentityMarker = "Antigravity"

// identityBlockText is the core-owned identity prompt, wrapped with the
// marker spec.md §4.7 names. Reused verbatim from the grounding file's
// literal identity string.
const identityBlockText = "--- [IDENTITY_PATCH] ---\nYou are Antigravity, a powerful agentic AI coding assistant. Follow the user's instructions precisely and use the available tools to complete their requests."

// skipSignatureSentinel bypasses upstream thought-signature validation
// for tool calls issued without a prior valid signature (grounding
// file's skip_thought_signature_validator sentinel, also effective for
// Claude-dialect requests routed through the same internal endpoint).
const skipSignatureSentinel = "skip_thought_signature_validator"

// thinkingCapablePrefix marks the model class subject to the thinking
// safety rule (spec §4.7 step 1: "models whose name starts with
// gemini-3 are the thinking-capable class").
const thinkingCapablePrefix = "gemini-3"

// Meta carries routing metadata alongside the rewritten body (spec §4.7).
type Meta struct {
	ResolvedModel        string
	UsedInternalEndpoint bool
}

// ModelRouter maps a dialect-A model name to its dialect-B counterpart.
// Unknown names pass through verbatim (spec §4.7 step 1).
type ModelRouter map[string]string

// Resolve returns the routed model name for name, or name itself if no
// mapping exists.
func (r ModelRouter) Resolve(name string) string {
	if r == nil {
		return name
	}
	if mapped, ok := r[name]; ok {
		return mapped
	}
	return name
}

func isThinkingCapable(model string) bool {
	return strings.HasPrefix(model, thinkingCapablePrefix)
}

// Request rewrites a dialect-A request body into its dialect-B
// equivalent. sigStore gates the thinking/tool safety rule (I5) and
// supplies per-conversation cached thought signatures; it may be nil,
// which is treated as an always-empty store.
func Request(rawJSON []byte, projectID string, router ModelRouter, sigStore *sigcache.Store) ([]byte, Meta) {
	modelName := router.Resolve(gjson.GetBytes(rawJSON, "model").String())

	systemInstructionJSON, hasSystemInstruction := buildSystemInstruction(rawJSON)
	contentsJSON, hasContents := buildContents(rawJSON, modelName, sigStore)
	toolsJSON, toolDeclCount := buildTools(rawJSON)

	out := `{"model":"","request":{"contents":[]}}`
	out, _ = sjson.Set(out, "model", modelName)
	if hasSystemInstruction {
		out, _ = sjson.SetRaw(out, "request.systemInstruction", systemInstructionJSON)
	}
	if hasContents {
		out, _ = sjson.SetRaw(out, "request.contents", contentsJSON)
	}
	if toolDeclCount > 0 {
		out, _ = sjson.SetRaw(out, "request.tools", toolsJSON)
	}

	out = applyThinkingSafety(out, rawJSON, modelName, toolDeclCount > 0, sigStore)
	out = applyGenerationConfig(out, rawJSON)

	if projectID != "" {
		out, _ = sjson.Set(out, "project", projectID)
	}

	return []byte(out), Meta{ResolvedModel: modelName, UsedInternalEndpoint: true}
}

// buildSystemInstruction assembles systemInstruction.parts[] per spec
// §4.7 step 3: the identity block first (unless the caller's system
// prompt already names Antigravity), then the caller's system prompt.
func buildSystemInstruction(rawJSON []byte) (string, bool) {
	userSystem, hasUserSystem := extractSystemText(rawJSON)

	needsIdentity := !strings.Contains(userSystem, IdentityMarker)
	if !needsIdentity && !hasUserSystem {
		// A caller-supplied system that mentions Antigravity but carries
		// no extractable text still counts as "already identified".
		return "", false
	}

	instruction := `{"role":"user","parts":[]}`
	any := false
	if needsIdentity {
		part, _ := sjson.Set(`{}`, "text", identityBlockText)
		instruction, _ = sjson.SetRaw(instruction, "parts.-1", part)
		any = true
	}
	if hasUserSystem {
		part, _ := sjson.Set(`{}`, "text", userSystem)
		instruction, _ = sjson.SetRaw(instruction, "parts.-1", part)
		any = true
	}
	return instruction, any
}

// extractSystemText flattens the Claude-style "system" field (either a
// plain string or an array of {type:"text", text} blocks) into one
// string and reports whether any non-empty text was found.
func extractSystemText(rawJSON []byte) (string, bool) {
	systemResult := gjson.GetBytes(rawJSON, "system")
	switch {
	case systemResult.IsArray():
		var parts []string
		for _, block := range systemResult.Array() {
			if block.Get("type").String() == "text" {
				if text := block.Get("text").String(); text != "" {
					parts = append(parts, text)
				}
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "\n"), true
	case systemResult.Type == gjson.String:
		text := systemResult.String()
		return text, text != ""
	default:
		return "", false
	}
}

// buildContents maps messages[] to contents[] (spec §4.7 step 2).
func buildContents(rawJSON []byte, modelName string, sigStore *sigcache.Store) (string, bool) {
	contentsJSON := "[]"
	hasContents := false

	messagesResult := gjson.GetBytes(rawJSON, "messages")
	if !messagesResult.IsArray() {
		return contentsJSON, false
	}

	for _, message := range messagesResult.Array() {
		roleResult := message.Get("role")
		if roleResult.Type != gjson.String {
			continue
		}
		role := roleResult.String()
		if role == "assistant" {
			role = "model"
		}

		contentJSON := `{"role":"","parts":[]}`
		contentJSON, _ = sjson.Set(contentJSON, "role", role)

		contentJSON = appendParts(contentJSON, message.Get("content"), sigStore)

		partsCheck := gjson.Get(contentJSON, "parts")
		if !partsCheck.IsArray() || len(partsCheck.Array()) == 0 {
			continue
		}

		contentsJSON, _ = sjson.SetRaw(contentsJSON, "-1", contentJSON)
		hasContents = true
	}

	return contentsJSON, hasContents
}

func appendParts(contentJSON string, contentField gjson.Result, sigStore *sigcache.Store) string {
	if contentField.Type == gjson.String {
		if text := contentField.String(); text != "" {
			part, _ := sjson.Set(`{}`, "text", text)
			contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", part)
		}
		return contentJSON
	}
	if !contentField.IsArray() {
		return contentJSON
	}

	var currentSignature string
	for _, block := range contentField.Array() {
		blockType := block.Get("type").String()
		switch blockType {
		case "text":
			if text := block.Get("text").String(); text != "" {
				part, _ := sjson.Set(`{}`, "text", text)
				contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", part)
			}
		case "thinking":
			text := block.Get("thinking").String()
			signature := block.Get("signature").String()
			if signature != "" && sigcache.Valid(signature) {
				currentSignature = signature
			}
			if signature == "" || !sigcache.Valid(signature) {
				// Drop unsigned thinking blocks; Claude requires assistant
				// turns to begin with thinking when thinking is enabled,
				// but an unsigned block cannot be forwarded safely.
				continue
			}
			part, _ := sjson.Set(`{}`, "thought", true)
			if text != "" {
				part, _ = sjson.Set(part, "text", text)
			}
			part, _ = sjson.Set(part, "thoughtSignature", signature)
			contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", part)
		case "tool_use":
			contentJSON = appendToolUsePart(contentJSON, block, currentSignature, sigStore)
		case "tool_result":
			contentJSON = appendToolResultPart(contentJSON, block)
		case "image":
			contentJSON = appendImagePart(contentJSON, block)
		}
	}
	return contentJSON
}

func appendToolUsePart(contentJSON string, block gjson.Result, currentSignature string, sigStore *sigcache.Store) string {
	name := block.Get("name").String()
	id := block.Get("id").String()
	argsResult := block.Get("input")

	var argsRaw string
	switch {
	case argsResult.IsObject():
		argsRaw = argsResult.Raw
	case argsResult.Type == gjson.String:
		if parsed := gjson.Parse(argsResult.String()); parsed.IsObject() {
			argsRaw = parsed.Raw
		}
	}
	if argsRaw == "" {
		return contentJSON
	}

	part := `{}`
	if currentSignature != "" && sigcache.Valid(currentSignature) {
		part, _ = sjson.Set(part, "thoughtSignature", currentSignature)
	} else {
		part, _ = sjson.Set(part, "thoughtSignature", skipSignatureSentinel)
	}
	if id != "" {
		part, _ = sjson.Set(part, "functionCall.id", id)
	}
	part, _ = sjson.Set(part, "functionCall.name", name)
	part, _ = sjson.SetRaw(part, "functionCall.args", argsRaw)
	contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", part)
	return contentJSON
}

func appendToolResultPart(contentJSON string, block gjson.Result) string {
	toolUseID := block.Get("tool_use_id").String()
	if toolUseID == "" {
		return contentJSON
	}
	name := toolUseID
	if segments := strings.Split(toolUseID, "-"); len(segments) > 2 {
		name = strings.Join(segments[:len(segments)-2], "-")
	}

	response := `{}`
	response, _ = sjson.Set(response, "id", toolUseID)
	response, _ = sjson.Set(response, "name", name)

	contentField := block.Get("content")
	switch {
	case contentField.Type == gjson.String:
		response, _ = sjson.Set(response, "response.result", contentField.String())
	case contentField.IsArray():
		items := contentField.Array()
		if len(items) == 1 {
			response, _ = sjson.SetRaw(response, "response.result", items[0].Raw)
		} else {
			response, _ = sjson.SetRaw(response, "response.result", contentField.Raw)
		}
	case contentField.IsObject():
		response, _ = sjson.SetRaw(response, "response.result", contentField.Raw)
	case contentField.Raw != "":
		response, _ = sjson.SetRaw(response, "response.result", contentField.Raw)
	default:
		response, _ = sjson.Set(response, "response.result", "")
	}

	part := `{}`
	part, _ = sjson.SetRaw(part, "functionResponse", response)
	contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", part)
	return contentJSON
}

func appendImagePart(contentJSON string, block gjson.Result) string {
	source := block.Get("source")
	if source.Get("type").String() != "base64" {
		return contentJSON
	}
	inline := `{}`
	if mimeType := source.Get("media_type").String(); mimeType != "" {
		inline, _ = sjson.Set(inline, "mime_type", mimeType)
	}
	if data := source.Get("data").String(); data != "" {
		inline, _ = sjson.Set(inline, "data", data)
	}
	part := `{}`
	part, _ = sjson.SetRaw(part, "inlineData", inline)
	contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", part)
	return contentJSON
}

// allowedToolKeys survives Antigravity's stricter tool-declaration
// schema (spec supplements the grounding file's sanitation step).
var allowedToolKeys = []string{"name", "description", "parametersJsonSchema"}

// buildTools maps tools[] to [{functionDeclarations:[...]}] (spec §4.7
// step 4).
func buildTools(rawJSON []byte) (string, int) {
	toolsResult := gjson.GetBytes(rawJSON, "tools")
	if !toolsResult.IsArray() {
		return "", 0
	}

	toolsJSON := `[{"functionDeclarations":[]}]`
	count := 0
	for _, tool := range toolsResult.Array() {
		inputSchema := tool.Get("input_schema")
		declaration := tool.Raw
		if inputSchema.Exists() && inputSchema.IsObject() {
			declaration, _ = sjson.Delete(declaration, "input_schema")
			declaration, _ = sjson.SetRaw(declaration, "parametersJsonSchema", inputSchema.Raw)
		}
		for key := range gjson.Parse(declaration).Map() {
			if !contains(allowedToolKeys, key) {
				declaration, _ = sjson.Delete(declaration, key)
			}
		}
		toolsJSON, _ = sjson.SetRaw(toolsJSON, "0.functionDeclarations.-1", declaration)
		count++
	}
	return toolsJSON, count
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// applyThinkingSafety implements spec §4.7 step 5 / I5: thinking config
// is only emitted for the thinking-capable model class, and is dropped
// entirely when tools are present and no valid signature has been seen.
func applyThinkingSafety(out string, rawJSON []byte, modelName string, hasTools bool, sigStore *sigcache.Store) string {
	thinking := gjson.GetBytes(rawJSON, "thinking")
	if !thinking.Exists() || !thinking.IsObject() || thinking.Get("type").String() != "enabled" {
		return out
	}
	if !isThinkingCapable(modelName) {
		return out
	}

	hasValidSignature := sigStore != nil && sigStore.HasValid()
	if hasTools && !hasValidSignature {
		return out
	}

	budget := thinking.Get("budget_tokens")
	if budget.Exists() && budget.Type == gjson.Number {
		out, _ = sjson.Set(out, "request.generationConfig.thinkingConfig.thinkingBudget", int(budget.Int()))
	}
	return out
}

// applyGenerationConfig implements spec §4.7 step 6.
func applyGenerationConfig(out string, rawJSON []byte) string {
	if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "request.generationConfig.maxOutputTokens", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "request.generationConfig.temperature", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Exists() && v.Type == gjson.Number {
		out, _ = sjson.Set(out, "request.generationConfig.topP", v.Num)
	}
	return out
}
