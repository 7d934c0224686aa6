package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
)

// ActionKind classifies the model's next move.
type ActionKind string

const (
	ActionToolCall      ActionKind = "tool_call"
	ActionCompletePhase ActionKind = "complete_phase"
	ActionGoalAchieved  ActionKind = "goal_achieved"
	ActionNeedUserInput ActionKind = "need_user_input"
	ActionThink         ActionKind = "think"
)

// Action is the parsed form of a supervisor turn.
type Action struct {
	Kind    ActionKind      `json:"action"`
	Tool    string          `json:"tool,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Content string          `json:"content,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// ActionSchema is the reply format the supervisor prompt asks for.
const ActionSchema = `Reply with exactly one JSON object:
{"action": "tool_call", "tool": "<name>", "params": {...}}
{"action": "complete_phase", "content": "<summary>", "result": {...}}
{"action": "goal_achieved", "content": "<summary>", "result": {...}}
{"action": "need_user_input", "content": "<question>"}
{"action": "think", "content": "<reasoning>"}`

// ParseAction reads an Action from a model response. Native tool calls win
// over text. Text may wrap the JSON object in prose or code fences; text
// with no JSON object at all is treated as a think turn. A JSON object that
// does not describe a valid action is a ValidationError so the supervisor
// can send a corrective message.
func ParseAction(resp *Response) (*Action, error) {
	if resp == nil {
		return nil, errs.New(errs.ValidationError, "empty model response")
	}
	if resp.ToolCall != nil {
		params := resp.ToolCall.Args
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		return &Action{Kind: ActionToolCall, Tool: resp.ToolCall.Name, Params: params}, nil
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, errs.New(errs.ValidationError, "empty model response")
	}
	raw, ok := ExtractJSON(text)
	if !ok {
		return &Action{Kind: ActionThink, Content: text}, nil
	}

	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "model reply is not a valid action")
	}
	a.Kind = ActionKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
	switch a.Kind {
	case ActionToolCall:
		if a.Tool == "" {
			return nil, errs.New(errs.ValidationError, "tool_call without a tool name")
		}
		if len(bytes.TrimSpace(a.Params)) == 0 || string(bytes.TrimSpace(a.Params)) == "null" {
			a.Params = json.RawMessage(`{}`)
		}
	case ActionNeedUserInput:
		if strings.TrimSpace(a.Content) == "" {
			return nil, errs.New(errs.ValidationError, "need_user_input without a question")
		}
	case ActionCompletePhase, ActionGoalAchieved, ActionThink:
	case "":
		return nil, errs.New(errs.ValidationError, "reply has no action field")
	default:
		return nil, errs.New(errs.ValidationError, "unknown action %q", a.Kind)
	}
	return &a, nil
}

// ExtractJSON returns the first balanced JSON object in text, skipping
// braces inside strings.
func ExtractJSON(text string) ([]byte, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end := matchBrace(text[start:]); end > 0 {
			candidate := []byte(text[start : start+end])
			if json.Valid(candidate) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchBrace(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
