// Package dispatcher routes command envelopes to registered handlers with
// policy checks, timeouts and normalized error reporting.
package dispatcher

import (
	"encoding/json"

	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the unit of dispatch input.
type Envelope struct {
	Type   string          `json:"type"`
	Params registry.Params `json:"params"`
}

// Result is the normalized outcome of a command. Exactly one of Result or
// (Message, ErrorCode) is meaningful, selected by Status.
type Result struct {
	Status    string      `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	Message   string      `json:"message,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

// Success builds the success variant.
func Success(v interface{}) Result {
	return Result{Status: StatusSuccess, Result: v}
}

// Failure builds the error variant.
func Failure(code, message string) Result {
	return Result{Status: StatusError, Message: message, ErrorCode: code}
}

// OK reports whether r is the success variant.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// MarshalJSON writes only the fields of the active variant. A success with
// a nil result still carries "result": null.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.OK() {
		return json.Marshal(struct {
			Status string      `json:"status"`
			Result interface{} `json:"result"`
		}{r.Status, r.Result})
	}
	return json.Marshal(struct {
		Status    string `json:"status"`
		Message   string `json:"message"`
		ErrorCode string `json:"error_code"`
	}{r.Status, r.Message, r.ErrorCode})
}

type noHandler struct{}

func (noHandler) String() string { return "no handler" }

// NoHandler is the neutral value Dispatch returns for an unresolved command.
var NoHandler interface{} = noHandler{}

// IsNoHandler reports whether v is the NoHandler value.
func IsNoHandler(v interface{}) bool {
	_, ok := v.(noHandler)
	return ok
}

// parseEnvelope validates a decoded envelope. It accepts a JSON object
// decoded as a map, or an Envelope.
func parseEnvelope(v interface{}) (Envelope, *cmderr.Error) {
	switch e := v.(type) {
	case Envelope:
		return checkEnvelope(e)
	case *Envelope:
		if e == nil {
			return Envelope{}, cmderr.New(cmderr.CodeInvalidCommand, "Command must be an object")
		}
		return checkEnvelope(*e)
	case map[string]interface{}:
		raw, present := e["type"]
		name, ok := raw.(string)
		if !present || !ok || name == "" {
			return Envelope{}, cmderr.New(cmderr.CodeInvalidCommandType, "Command type must be a non-empty string")
		}
		env := Envelope{Type: name, Params: registry.Params{}}
		switch p := e["params"].(type) {
		case nil:
		case map[string]interface{}:
			env.Params = p
		default:
			return env, cmderr.InvalidParams("params for %s must be an object", name)
		}
		return env, nil
	default:
		return Envelope{}, cmderr.New(cmderr.CodeInvalidCommand, "Command must be an object")
	}
}

func checkEnvelope(e Envelope) (Envelope, *cmderr.Error) {
	if e.Type == "" {
		return e, cmderr.New(cmderr.CodeInvalidCommandType, "Command type must be a non-empty string")
	}
	if e.Params == nil {
		e.Params = registry.Params{}
	}
	return e, nil
}
