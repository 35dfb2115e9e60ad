package provider

import "encoding/json"

// extractSystem removes System-role messages from the request. The
// explicit system prompt wins; remaining system text is appended with
// duplicates dropped. Returns the system prompt and filtered messages.
func extractSystem(req CompletionRequest) (string, []Message) {
	system := req.SystemPrompt
	seen := map[string]bool{system: true}
	var filtered []Message
	for _, m := range req.Messages {
		if m.Role != RoleSystem {
			filtered = append(filtered, m)
			continue
		}
		text := m.Text()
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		if system == "" {
			system = text
		} else {
			system += "\n\n" + text
		}
	}
	return system, filtered
}

// toOpenAIMessages flattens block-structured messages into the
// OpenAI chat shape: assistant tool_use blocks become tool_calls[],
// tool_result blocks become role "tool" messages with tool_call_id.
func toOpenAIMessages(system string, messages []Message) []map[string]any {
	var out []map[string]any
	if system != "" {
		out = append(out, map[string]any{"role": "system", "content": system})
	}
	for _, m := range messages {
		var text string
		var toolCalls []map[string]any
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				text += b.Text
			case "tool_use":
				args := string(b.ToolInput)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, map[string]any{
					"id":   b.ToolUseID,
					"type": "function",
					"function": map[string]any{
						"name":      b.ToolName,
						"arguments": args,
					},
				})
			case "tool_result":
				out = append(out, map[string]any{
					"role":         "tool",
					"tool_call_id": b.ToolUseID,
					"content":      b.ToolResult,
				})
			}
		}
		if text == "" && len(toolCalls) == 0 {
			continue
		}
		entry := map[string]any{"role": string(m.Role), "content": text}
		if len(toolCalls) > 0 {
			entry["tool_calls"] = toolCalls
		}
		out = append(out, entry)
	}
	return out
}

// toAnthropicMessages keeps the structured content[] arrays, mapping
// tool blocks to the Anthropic wire names.
func toAnthropicMessages(messages []Message) []map[string]any {
	var out []map[string]any
	for _, m := range messages {
		var content []map[string]any
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				content = append(content, map[string]any{"type": "text", "text": b.Text})
			case "tool_use":
				input := json.RawMessage(b.ToolInput)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    b.ToolUseID,
					"name":  b.ToolName,
					"input": input,
				})
			case "tool_result":
				content = append(content, map[string]any{
					"type":        "tool_result",
					"tool_use_id": b.ToolUseID,
					"content":     b.ToolResult,
				})
			}
		}
		if len(content) == 0 {
			continue
		}
		role := m.Role
		if role == RoleTool {
			role = RoleUser // Anthropic carries tool results in user turns
		}
		out = append(out, map[string]any{"role": string(role), "content": content})
	}
	return out
}

// applyThinkingAnthropic injects the thinking block and strips
// temperature, which the vendor rejects alongside it.
func applyThinkingAnthropic(body map[string]any, mode ThinkingMode) {
	if mode == ThinkingNone || mode == "" {
		return
	}
	budget := 5000
	if mode == ThinkingExtended {
		budget = 10000
	}
	body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	delete(body, "temperature")
	delete(body, "top_p")
}

// applyThinkingOpenAI injects reasoning_effort and strips temperature
// and top_p, which the vendor rejects alongside it.
func applyThinkingOpenAI(body map[string]any, mode ThinkingMode) {
	if mode == ThinkingNone || mode == "" {
		return
	}
	effort := "medium"
	if mode == ThinkingExtended {
		effort = "high"
	}
	body["reasoning_effort"] = effort
	delete(body, "temperature")
	delete(body, "top_p")
}
