package conn

import "encoding/json"

// message is the wire shape of everything exchanged with the driver: either a
// response {id, result|error} or a call/notification {guid, method, params}.
type message struct {
	ID     uint64              `json:"id,omitempty"`
	GUID   string              `json:"guid,omitempty"`
	Method string              `json:"method,omitempty"`
	Params json.RawMessage     `json:"params,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  *RemoteErrorPayload `json:"error,omitempty"`
}

// outgoingMessage is the request shape. Params stays a Go value here so the
// serializer's null handling applies to it.
type outgoingMessage struct {
	ID     uint64 `json:"id"`
	GUID   string `json:"guid"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// RemoteErrorPayload is the structured error the driver returns for a failed
// call.
type RemoteErrorPayload struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Call describes one outgoing operation on a remote object.
type Call struct {
	// GUID names the remote object the operation targets; empty targets the
	// root.
	GUID   string
	Method string
	Params any
	// KeepNulls selects the null-preserving encode mode for operations that
	// distinguish an explicit null from an absent field.
	KeepNulls bool
}
