package router

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
)

// SessionArg is the reserved routing argument. It is removed before a call
// is forwarded to a backend.
const SessionArg = "session"

var jsonNull = []byte("null")

// Request is one inbound tool call after the routing argument has been
// separated from the tool's own arguments.
type Request struct {
	// ID correlates log lines for one call.
	ID string

	// Tool is the tool name.
	Tool string

	// Session is the explicit target session, or empty for the current one.
	Session string

	// Arguments holds each argument's raw JSON, forwarded without
	// re-encoding so values the proxy does not understand pass through
	// untouched.
	Arguments map[string]any
}

// ParseRequest decodes raw tool arguments and extracts the session argument.
// Absent or null arguments decode to an empty map.
func ParseRequest(tool string, raw []byte) (*Request, error) {
	fields, err := decodeArguments(tool, raw)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:        ulid.Make().String(),
		Tool:      tool,
		Arguments: make(map[string]any, len(fields)),
	}

	for name, value := range fields {
		if name == SessionArg {
			continue
		}

		req.Arguments[name] = value
	}

	if value, ok := fields[SessionArg]; ok && !bytes.Equal(value, jsonNull) {
		if err := json.Unmarshal(value, &req.Session); err != nil {
			return nil, &errors.InvalidArgumentError{
				Tool:     tool,
				Argument: SessionArg,
				Reason:   "must be a string",
			}
		}
	}

	return req, nil
}

func decodeArguments(tool string, raw []byte) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return map[string]json.RawMessage{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &errors.InvalidArgumentError{
			Tool:     tool,
			Argument: "arguments",
			Reason:   "must be a JSON object",
		}
	}

	if fields == nil {
		fields = map[string]json.RawMessage{}
	}

	return fields, nil
}

// stringArg decodes the string argument name. A missing, null or empty value
// is an error when required.
func (r *Request) stringArg(name string, required bool) (string, error) {
	var s string

	raw, ok := r.Arguments[name].(json.RawMessage)
	if ok && !bytes.Equal(raw, jsonNull) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", &errors.InvalidArgumentError{Tool: r.Tool, Argument: name, Reason: "must be a string"}
		}
	}

	if s == "" && required {
		return "", &errors.InvalidArgumentError{Tool: r.Tool, Argument: name, Reason: "is required"}
	}

	return s, nil
}

// boolArg decodes the boolean argument name, or returns def when absent.
func (r *Request) boolArg(name string, def bool) (bool, error) {
	raw, ok := r.Arguments[name].(json.RawMessage)
	if !ok || bytes.Equal(raw, jsonNull) {
		return def, nil
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, &errors.InvalidArgumentError{
			Tool:     r.Tool,
			Argument: name,
			Reason:   fmt.Sprintf("must be a boolean, got %s", raw),
		}
	}

	return b, nil
}
