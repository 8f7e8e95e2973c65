package conn

import "encoding/json"

// Serializer encodes outgoing calls and decodes incoming messages. Two encode
// modes exist: the default drops null members, keepNulls preserves them for
// operations where an explicitly-null field differs from an absent one. The
// mode is an explicit parameter on every call so behavior is deterministic
// regardless of call site.
type Serializer interface {
	Encode(v any, keepNulls bool) ([]byte, error)
	Decode(b []byte, v any) error
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Encode(v any, keepNulls bool) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if keepNulls {
		return b, nil
	}

	// Round-trip through the generic representation to drop null members
	// independent of the concrete Go types involved.
	var val any
	if err := json.Unmarshal(b, &val); err != nil {
		return nil, err
	}
	return json.Marshal(pruneNulls(val))
}

func (JSONSerializer) Decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

func pruneNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			if e == nil {
				delete(t, k)
			} else {
				t[k] = pruneNulls(e)
			}
		}
	case []any:
		for i, e := range t {
			if e != nil {
				t[i] = pruneNulls(e)
			}
		}
	}
	return v
}

var _ Serializer = JSONSerializer{}
