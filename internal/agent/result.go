package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Result types form a tagged union; Type selects which fields are set.
const (
	ResultText  = "text"
	ResultJSON  = "json"
	ResultCode  = "code"
	ResultError = "error"
)

// File is one generated file inside a code result.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Result is the tagged union every agent answers with.
//   - text:  Content holds display text
//   - json:  Content holds a JSON document
//   - code:  Files holds generated files
//   - error: Reason holds a human-readable failure description
type Result struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Files   []File `json:"files,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Envelope is the deterministic wire shape wrapping a Result.
type Envelope struct {
	OK     bool    `json:"ok"`
	Agent  string  `json:"agent"`
	Result *Result `json:"result"`
}

// TextResult wraps plain text in a Result.
func TextResult(content string) *Result {
	return &Result{Type: ResultText, Content: content}
}

// ErrorResult wraps a failure reason in a Result.
func ErrorResult(reason string) *Result {
	return &Result{Type: ResultError, Reason: reason}
}

// validTypes gates ParseResult so arbitrary JSON with a "type" key does not
// masquerade as a structured result.
func validResultType(t string) bool {
	switch t {
	case ResultText, ResultJSON, ResultCode, ResultError:
		return true
	}
	return false
}

// ParseEnvelope decodes a {ok, agent, result} envelope. Returns an error
// when the payload is not an envelope at all.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Result == nil {
		return nil, fmt.Errorf("parse envelope: missing result")
	}
	if !validResultType(env.Result.Type) {
		return nil, fmt.Errorf("parse envelope: unknown result type %q", env.Result.Type)
	}
	return &env, nil
}

// Normalize converts a handler's raw output into a Result. It accepts, in
// order: a full envelope, a bare Result document, or anything else as text.
func Normalize(raw string) *Result {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		if env, err := ParseEnvelope([]byte(trimmed)); err == nil {
			return env.Result
		}
		var res Result
		if err := json.Unmarshal([]byte(trimmed), &res); err == nil && validResultType(res.Type) {
			return &res
		}
		// Arbitrary JSON output stays intact as a json result.
		if json.Valid([]byte(trimmed)) {
			return &Result{Type: ResultJSON, Content: trimmed}
		}
	}
	return TextResult(raw)
}

// Render produces the deterministic display text for a result.
func (r *Result) Render() string {
	if r == nil {
		return ""
	}
	switch r.Type {
	case ResultCode:
		var b strings.Builder
		for i, f := range r.Files {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "--- %s ---\n%s", f.Path, f.Content)
		}
		return b.String()
	case ResultError:
		return r.Reason
	default:
		return r.Content
	}
}

// Wrap builds the envelope for a finished invocation. Failed invocations
// carry an error result and ok=false.
func Wrap(agentID string, res *Result) *Envelope {
	ok := res != nil && res.Type != ResultError
	return &Envelope{OK: ok, Agent: agentID, Result: res}
}
