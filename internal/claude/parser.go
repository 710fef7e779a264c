package claude

import (
	"bytes"
	"encoding/json"
	"strings"
)

// rawLineLimit bounds how much of a bad line is kept for diagnostics.
const rawLineLimit = 200

// Parse translates one line of agent stdout into a StreamEvent. It is pure
// and total: every input yields exactly one event. Decode failures yield
// EventMalformed and well-formed lines with an unrecognized discriminator
// yield EventUnknown; neither is fatal to the stream.
func Parse(line []byte) StreamEvent {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return StreamEvent{Kind: EventMalformed}
	}

	var data map[string]interface{}
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return StreamEvent{Kind: EventMalformed, Raw: truncateRaw(trimmed)}
	}

	msgType, _ := data["type"].(string)
	switch msgType {
	case "system":
		return parseSystem(data)
	case "assistant":
		return parseAssistant(data)
	case "user":
		return parseUser(data)
	case "result":
		return parseResult(data)
	case "control_request":
		return parseControlRequest(data)
	default:
		return StreamEvent{Kind: EventUnknown, Raw: truncateRaw(trimmed)}
	}
}

func parseSystem(data map[string]interface{}) StreamEvent {
	sessionID, _ := data["session_id"].(string)
	subtype, _ := data["subtype"].(string)

	switch subtype {
	case "init":
		return StreamEvent{Kind: EventInit, SessionID: sessionID}
	case "compact_boundary":
		notice := &CompactionNotice{}
		if meta, ok := data["compact_metadata"].(map[string]interface{}); ok {
			notice.Trigger, _ = meta["trigger"].(string)
			notice.PreTokens = intField(meta, "pre_tokens")
		}
		return StreamEvent{Kind: EventCompaction, SessionID: sessionID, Compact: notice}
	default:
		return StreamEvent{Kind: EventUnknown, SessionID: sessionID}
	}
}

func parseAssistant(data map[string]interface{}) StreamEvent {
	message, _ := data["message"].(map[string]interface{})
	content, _ := message["content"].([]interface{})

	var (
		textParts []string
		tool      *ToolInvocation
		think     *Thinking
	)

	for _, raw := range content {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, _ := block["text"].(string); text != "" {
				textParts = append(textParts, text)
			}
		case "tool_use":
			name, _ := block["name"].(string)
			if name == "" {
				name = "unknown"
			}
			id, _ := block["id"].(string)
			input, _ := block["input"].(map[string]interface{})
			tool = &ToolInvocation{
				ID:       id,
				Name:     name,
				Input:    input,
				Category: CategorizeTool(name),
			}
		case "thinking":
			text, _ := block["thinking"].(string)
			think = &Thinking{Text: text}
		case "redacted_thinking":
			think = &Thinking{Redacted: true}
		}
	}

	event := StreamEvent{
		Text:  strings.Join(textParts, "\n"),
		Usage: parseUsage(message),
	}

	switch {
	case tool != nil && tool.Name == "ExitPlanMode":
		// Plan approval rides in as a tool call; the plan text is the input.
		plan, _ := tool.Input["plan"].(string)
		event.Kind = EventPlanProposal
		event.Plan = &PlanProposal{RequestID: tool.ID, PlanText: plan}
	case tool != nil:
		event.Kind = EventToolInvocation
		event.Tool = tool
	case event.Text != "":
		event.Kind = EventAssistantText
	case think != nil:
		event.Kind = EventThinking
		event.Think = think
	case event.Usage != nil:
		event.Kind = EventUsageUpdate
	default:
		event.Kind = EventUnknown
	}
	return event
}

func parseUser(data map[string]interface{}) StreamEvent {
	message, _ := data["message"].(map[string]interface{})
	content, _ := message["content"].([]interface{})

	for _, raw := range content {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if block["type"] != "tool_result" {
			continue
		}
		id, _ := block["tool_use_id"].(string)
		isError, _ := block["is_error"].(bool)
		return StreamEvent{
			Kind: EventToolResult,
			Result: &ToolResult{
				ID:      id,
				Content: flattenContent(block["content"]),
				IsError: isError,
			},
		}
	}
	return StreamEvent{Kind: EventUnknown}
}

func parseResult(data map[string]interface{}) StreamEvent {
	sessionID, _ := data["session_id"].(string)
	finalText, _ := data["result"].(string)
	subtype, _ := data["subtype"].(string)
	isError, _ := data["is_error"].(bool)

	final := &Result{
		FinalText:  finalText,
		DurationMS: int64(intField(data, "duration_ms")),
		IsError:    isError || strings.HasPrefix(subtype, "error"),
	}
	if cost, ok := data["total_cost_usd"].(float64); ok {
		final.CostUSD = cost
	} else if cost, ok := data["cost_usd"].(float64); ok {
		final.CostUSD = cost
	}
	if final.IsError {
		if errText, _ := data["error"].(string); errText != "" {
			final.ErrorText = errText
		} else if finalText != "" {
			final.ErrorText = finalText
		} else {
			final.ErrorText = "unknown error"
		}
	}

	return StreamEvent{
		Kind:      EventResult,
		SessionID: sessionID,
		Text:      finalText,
		Usage:     parseUsage(data),
		Final:     final,
	}
}

func parseControlRequest(data map[string]interface{}) StreamEvent {
	requestID, _ := data["request_id"].(string)
	request, _ := data["request"].(map[string]interface{})
	subtype, _ := request["subtype"].(string)

	switch subtype {
	case "can_use_tool":
		tool, _ := request["tool_name"].(string)
		input, _ := request["input"].(map[string]interface{})
		return StreamEvent{
			Kind: EventPermissionRequest,
			Perm: &PermissionRequest{RequestID: requestID, Tool: tool, Input: input},
		}
	case "elicitation":
		prompt, _ := request["message"].(string)
		schemaURL, _ := request["url"].(string)
		return StreamEvent{
			Kind:   EventElicitation,
			Elicit: &Elicitation{RequestID: requestID, Prompt: prompt, SchemaURL: schemaURL},
		}
	default:
		return StreamEvent{Kind: EventUnknown}
	}
}

// parseUsage extracts token counters from a message or result object.
// Returns nil when no usage is reported.
func parseUsage(obj map[string]interface{}) *Usage {
	usage, ok := obj["usage"].(map[string]interface{})
	if !ok {
		return nil
	}
	u := &Usage{
		InputTokens:     intField(usage, "input_tokens"),
		CacheReadTokens: intField(usage, "cache_read_input_tokens"),
		OutputTokens:    intField(usage, "output_tokens"),
	}
	if u.InputTokens == 0 && u.CacheReadTokens == 0 && u.OutputTokens == 0 {
		return nil
	}
	return u
}

// flattenContent renders a tool_result content field as plain text. The
// field is either a string or a list of typed blocks.
func flattenContent(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, raw := range v {
			block, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if block["type"] == "text" {
				if text, _ := block["text"].(string); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func intField(obj map[string]interface{}, key string) int {
	if f, ok := obj[key].(float64); ok {
		return int(f)
	}
	return 0
}

func truncateRaw(line []byte) string {
	if len(line) > rawLineLimit {
		return string(line[:rawLineLimit])
	}
	return string(line)
}
