package agent

import (
	"encoding/json"
	"strings"
)

// Parsers for model output. Malformed output is expected input here, not an
// exceptional condition: every parser returns a typed result or a tagged
// failure and never panics or errors on garbage.

const (
	briefingMarker = "BRIEFING"
	continueMarker = "NEXT:"
)

// maxPlanSteps caps the plan length regardless of what the model emits.
const maxPlanSteps = 6

// parsePlan extracts ordered plan steps from model output. It accepts
// "1. step" and "- step" line formats. ok is false when no steps could be
// recovered; the engine substitutes a synthetic single-step plan.
func parsePlan(content string) (steps []string, ok bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case line[0] >= '0' && line[0] <= '9':
			if idx := strings.Index(line, "."); idx > 0 && idx < 5 {
				line = strings.TrimSpace(line[idx+1:])
			} else if idx := strings.Index(line, ")"); idx > 0 && idx < 5 {
				line = strings.TrimSpace(line[idx+1:])
			} else {
				continue
			}
		case line[0] == '-' || line[0] == '*':
			line = strings.TrimSpace(line[1:])
		default:
			continue
		}
		if line != "" {
			steps = append(steps, line)
		}
		if len(steps) == maxPlanSteps {
			break
		}
	}
	return steps, len(steps) > 0
}

// decision is the parsed output of the DECIDE state.
type decision struct {
	Action string
	Input  json.RawMessage
}

// parseDecision extracts exactly one action token plus structured arguments.
// Accepted shapes, tried in order:
//
//	{"action": "calculator", "input": {...}}
//	ACTION: calculator\nINPUT: {...}
//	calculator
//
// ok is false when nothing action-shaped could be recovered. Validity of the
// action name against the registry is the engine's job, not the parser's.
func parseDecision(content string) (decision, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return decision{}, false
	}

	// JSON object form, possibly inside a fenced block.
	if raw := extractJSONObject(content); raw != nil {
		var d struct {
			Action string          `json:"action"`
			Input  json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(raw, &d); err == nil && d.Action != "" {
			return decision{Action: normalizeAction(d.Action), Input: d.Input}, true
		}
	}

	// ACTION:/INPUT: line form.
	if strings.Contains(strings.ToUpper(content), "ACTION:") {
		var action string
		var input json.RawMessage
		for _, line := range strings.Split(content, "\n") {
			trimmed := strings.TrimSpace(line)
			upper := strings.ToUpper(trimmed)
			switch {
			case strings.HasPrefix(upper, "ACTION:"):
				action = normalizeAction(trimmed[len("ACTION:"):])
			case strings.HasPrefix(upper, "INPUT:"):
				candidate := strings.TrimSpace(trimmed[len("INPUT:"):])
				if json.Valid([]byte(candidate)) {
					input = json.RawMessage(candidate)
				}
			}
		}
		if action != "" {
			return decision{Action: action, Input: input}, true
		}
	}

	// Bare token form: a single word on the first non-empty line.
	first := strings.TrimSpace(strings.Split(content, "\n")[0])
	if first != "" && !strings.ContainsAny(first, " \t{}") {
		return decision{Action: normalizeAction(first)}, true
	}

	return decision{}, false
}

// reflection is the parsed output of the REFLECT state.
type reflection struct {
	Final     bool
	Answer    string // set when Final
	Rationale string // set when continuing
}

// parseReflection classifies reflect output: a "BRIEFING" prefix finalizes
// with the full text as the answer, a "NEXT:" prefix continues with the
// trailing rationale. Anything else finalizes with the raw text: an
// unrecognized verdict must terminate the run, never loop it.
func parseReflection(content string) reflection {
	trimmed := strings.TrimSpace(content)
	upper := strings.ToUpper(trimmed)

	if strings.HasPrefix(upper, briefingMarker) {
		return reflection{Final: true, Answer: trimmed}
	}
	if strings.HasPrefix(upper, continueMarker) {
		rationale := strings.TrimSpace(trimmed[len(continueMarker):])
		return reflection{Final: false, Rationale: rationale}
	}
	return reflection{Final: true, Answer: trimmed}
}

// normalizeAction lowercases and strips punctuation the model tends to wrap
// action tokens in.
func normalizeAction(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	return strings.Trim(s, "`\"'.,: ")
}

// extractJSONObject returns the first balanced {...} block in content, or nil.
func extractJSONObject(content string) json.RawMessage {
	start := strings.Index(content, "{")
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
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
				candidate := content[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate)
				}
				return nil
			}
		}
	}
	return nil
}
