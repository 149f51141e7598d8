// Package modelrouter classifies each request into a tier and selects a
// model from that tier's pool, per spec §4.4: feature extraction, ordered
// rule matching, optional complexity upgrade, per-tier selection strategy,
// tier downgrade on exhaustion, and per-model 429 cooldowns.
package modelrouter

import "strings"

// Features are extracted from the parsed request body and drive rule
// matching and the complexity upgrade.
type Features struct {
	Model        string
	MaxTokens    int
	HasTools     bool
	HasVision    bool
	MessageCount int
	SystemLength int
}

// ExtractFeatures reads routing features out of a decoded chat-completion
// style JSON body. Unknown or missing fields default to their zero value;
// extraction never errors, since an unrecognized body still proxies with
// whatever features it happens to expose (spec §4.8 step 2's "fall back to
// passthrough with no routing" only applies when the body fails to parse as
// JSON at all, not when individual fields are absent).
func ExtractFeatures(body map[string]interface{}) Features {
	f := Features{}

	if m, ok := body["model"].(string); ok {
		f.Model = m
	}
	if mt, ok := numberField(body["max_tokens"]); ok {
		f.MaxTokens = int(mt)
	}

	if tools, ok := body["tools"].([]interface{}); ok {
		f.HasTools = len(tools) > 0
	}

	if sys, ok := body["system"].(string); ok {
		f.SystemLength = len(sys)
	}

	if msgs, ok := body["messages"].([]interface{}); ok {
		f.MessageCount = len(msgs)
		for _, m := range msgs {
			msg, ok := m.(map[string]interface{})
			if !ok {
				continue
			}
			if role, _ := msg["role"].(string); role == "system" {
				if content, ok := msg["content"].(string); ok {
					f.SystemLength += len(content)
				}
			}
			if messageHasVision(msg) {
				f.HasVision = true
			}
		}
	}

	return f
}

func messageHasVision(msg map[string]interface{}) bool {
	content, ok := msg["content"].([]interface{})
	if !ok {
		return false
	}
	for _, c := range content {
		block, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		switch t, _ := block["type"].(string); strings.ToLower(t) {
		case "image", "image_url":
			return true
		}
	}
	return false
}

func numberField(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ModelFamily extracts the coarse family name used by the complexity
// upgrade's allowedFamilies check, e.g. "claude-opus-4-20250514" ->
// "claude-opus".
func ModelFamily(model string) string {
	parts := strings.Split(model, "-")
	if len(parts) < 2 {
		return model
	}
	return parts[0] + "-" + parts[1]
}
