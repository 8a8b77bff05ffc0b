package protocol

import "encoding/json"

// Message types carried over the backend channel.
const (
	TypeRequest         = "request"          // manager -> backend
	TypeReply           = "reply"            // backend -> manager
	TypeError           = "error"            // backend -> manager
	TypeRegisterBackend = "register_backend" // backend -> manager, once per launch
)

// Error ids reported by backends.
const (
	ErrorInvalidRequestType = "error:invalid_request_type"
	ErrorNotImplemented     = "error:not_implemented"
	ErrorBackendWarning     = "error:backend_warning"
	ErrorOther              = "error:other"
)

// Message is the single envelope exchanged between the manager and a backend
// runtime. Which fields are meaningful depends on Type.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Operation string `json:"operation,omitempty"`

	Params json.RawMessage `json:"params,omitempty"` // request only
	Result json.RawMessage `json:"result,omitempty"` // reply only

	ErrorID      string `json:"error_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// register_backend only
	Capabilities []string `json:"capabilities,omitempty"`
	Copyright    string   `json:"copyright,omitempty"`
}

// NewRequest builds a request message.
func NewRequest(requestID, operation string, params json.RawMessage) Message {
	return Message{Type: TypeRequest, RequestID: requestID, Operation: operation, Params: params}
}

// NewReply builds a successful reply message.
func NewReply(requestID, operation string, result json.RawMessage) Message {
	return Message{Type: TypeReply, RequestID: requestID, Operation: operation, Result: result}
}

// NewError builds an error reply message.
func NewError(requestID, errorID, errorMessage string) Message {
	return Message{Type: TypeError, RequestID: requestID, ErrorID: errorID, ErrorMessage: errorMessage}
}

// NewRegisterBackend builds the registration message a runtime sends after launch.
func NewRegisterBackend(capabilities []string, copyright string) Message {
	return Message{Type: TypeRegisterBackend, Capabilities: capabilities, Copyright: copyright}
}
