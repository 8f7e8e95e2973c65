package conn

// ClosedError is returned for calls issued after the connection shut down,
// and resolves every call that was still pending when it did. Reason is what
// triggered the shutdown; nil for a clean local close.
type ClosedError struct {
	Reason error
}

func (e *ClosedError) Error() string {
	if e.Reason != nil {
		return "connection closed: " + e.Reason.Error()
	}
	return "connection closed"
}

func (e *ClosedError) Unwrap() error { return e.Reason }

// RemoteError is a well-formed failure the driver reported for one call.
type RemoteError struct {
	Payload *RemoteErrorPayload
}

func (e *RemoteError) Error() string {
	if e.Payload.Name != "" {
		return e.Payload.Name + ": " + e.Payload.Message
	}
	return e.Payload.Message
}
