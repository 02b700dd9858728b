// Package toolparser extracts tool-call and goal context out of an agent's
// raw stdout text: an XML-or-JSON tool-call embedded in plain text, rather
// than one structured event per line.
package toolparser

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ToolCall is what parseToolUse extracts from a window of text.
type ToolCall struct {
	ToolName   string
	Parameters map[string]string
}

// Context is what extractContextFromTool derives for UI display.
type Context struct {
	CurrentFile   string
	CurrentAction string
}

var (
	invokeBlockPattern = regexp.MustCompile(`(?s)<(?:\w+:)?invoke\s+name="([^"]+)"\s*>(.*?)</(?:\w+:)?invoke\s*>`)
	paramPattern       = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter\s*>`)
	jsonCallPattern    = regexp.MustCompile(`"function"\s*:\s*\{\s*"name"\s*:\s*"([^"]+)"\s*,\s*"arguments"\s*:\s*(\{.*?\})\s*\}`)
)

// ParseToolUse finds the first tool invocation in window, trying the
// structured-XML form first and falling back to the JSON function-call
// form. It returns ok=false if neither matches.
func ParseToolUse(window string) (ToolCall, bool) {
	if m := invokeBlockPattern.FindStringSubmatch(window); m != nil {
		name, body := m[1], m[2]
		params := make(map[string]string)
		for _, pm := range paramPattern.FindAllStringSubmatch(body, -1) {
			params[pm[1]] = strings.TrimSpace(pm[2])
		}
		return ToolCall{ToolName: name, Parameters: params}, true
	}

	if m := jsonCallPattern.FindStringSubmatch(window); m != nil {
		name, argsJSON := m[1], m[2]
		var args map[string]any
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return ToolCall{ToolName: name}, true
		}
		params := make(map[string]string, len(args))
		for k, v := range args {
			params[k] = fmt.Sprintf("%v", v)
		}
		return ToolCall{ToolName: name, Parameters: params}, true
	}

	return ToolCall{}, false
}

const bashDescriptionMaxLen = 50

// ExtractContextFromTool derives a display-friendly current file/action
// from a parsed tool call, branching on the tool's name.
func ExtractContextFromTool(toolName string, params map[string]string) Context {
	switch toolName {
	case "Read", "Write", "Edit":
		path := params["file_path"]
		verb := map[string]string{"Read": "Reading", "Write": "Writing", "Edit": "Editing"}[toolName]
		return Context{CurrentFile: path, CurrentAction: fmt.Sprintf("%s %s", verb, filepath.Base(path))}
	case "Bash":
		if desc := params["description"]; desc != "" {
			return Context{CurrentAction: desc}
		}
		cmd := params["command"]
		if len(cmd) > bashDescriptionMaxLen {
			cmd = cmd[:bashDescriptionMaxLen] + "..."
		}
		return Context{CurrentAction: cmd}
	case "Glob", "Grep":
		return Context{CurrentAction: fmt.Sprintf("Searching for %s", params["pattern"])}
	case "Task":
		return Context{CurrentAction: params["description"]}
	case "AskUserQuestion":
		return Context{CurrentAction: "Waiting for user input"}
	case "WebFetch":
		return Context{CurrentAction: "Fetching a web page"}
	case "WebSearch":
		return Context{CurrentAction: "Searching the web"}
	default:
		return Context{CurrentAction: fmt.Sprintf("Using %s tool", toolName)}
	}
}

var (
	goalLabelPattern  = regexp.MustCompile(`(?i)(?:goal|objective|task):\s*(.+)`)
	goalPhrasePattern = regexp.MustCompile(`(?i)(?:please|help me|i want to)\s+(.+?)[.\n]`)
	sentencePattern   = regexp.MustCompile(`^(.+?)[.\n]`)
)

const (
	goalMinLen = 10
	goalMaxLen = 100
)

func acceptGoal(candidate string) (string, bool) {
	c := strings.TrimSpace(candidate)
	if len(c) > goalMinLen && len(c) < goalMaxLen {
		return c, true
	}
	return "", false
}

// ExtractGoal tries, in order, a labeled "goal:"/"objective:"/"task:"
// prefix, a "please/help me/i want to" phrase, then the first sentence —
// accepting only a candidate whose length falls strictly between 10 and
// 100 characters.
func ExtractGoal(prompt string) (string, bool) {
	if m := goalLabelPattern.FindStringSubmatch(prompt); m != nil {
		if g, ok := acceptGoal(m[1]); ok {
			return g, true
		}
	}
	if m := goalPhrasePattern.FindStringSubmatch(prompt); m != nil {
		if g, ok := acceptGoal(m[1]); ok {
			return g, true
		}
	}
	if m := sentencePattern.FindStringSubmatch(prompt); m != nil {
		if g, ok := acceptGoal(m[1]); ok {
			return g, true
		}
	}
	return "", false
}

// Parser is a cursor-advancing wrapper: it tracks the last-parsed offset
// into a growing stdout buffer and parses only the new tail on each call.
type Parser struct {
	lastParsedOffset int
}

// NewParser returns a Parser starting at offset 0.
func NewParser() *Parser { return &Parser{} }

// ParseNewTail parses the unseen suffix of full (the complete buffer so
// far). On a successful match it advances the cursor to the end of the
// matched tool call; otherwise the cursor is left unchanged so the same
// tail is retried once more text arrives.
func (p *Parser) ParseNewTail(full string) (ToolCall, bool) {
	if p.lastParsedOffset > len(full) {
		p.lastParsedOffset = len(full)
	}
	window := full[p.lastParsedOffset:]

	if loc := invokeBlockPattern.FindStringIndex(window); loc != nil {
		call, ok := ParseToolUse(window)
		if ok {
			p.lastParsedOffset += loc[1]
		}
		return call, ok
	}
	if loc := jsonCallPattern.FindStringIndex(window); loc != nil {
		call, ok := ParseToolUse(window)
		if ok {
			p.lastParsedOffset += loc[1]
		}
		return call, ok
	}
	return ToolCall{}, false
}

// Offset returns the current cursor position.
func (p *Parser) Offset() int { return p.lastParsedOffset }
