package keyrange

import (
	"encoding/json"
	"time"

	"github.com/pingcap/errors"
)

type rangeJSON struct {
	Lower     json.RawMessage `json:"lower,omitempty"`
	LowerOpen bool            `json:"lowerOpen"`
	Upper     json.RawMessage `json:"upper,omitempty"`
	UpperOpen bool            `json:"upperOpen"`
}

// MarshalJSON writes {lower, lowerOpen, upper, upperOpen}, omitting absent bounds.
func (r *KeyRange) MarshalJSON() ([]byte, error) {
	var out rangeJSON
	if r != nil {
		var err error
		if r.lower != nil {
			if out.Lower, err = marshalKey(r.lower); err != nil {
				return nil, err
			}
		}
		if r.upper != nil {
			if out.Upper, err = marshalKey(r.upper); err != nil {
				return nil, err
			}
		}
		out.LowerOpen, out.UpperOpen = r.lowerOpen, r.upperOpen
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the form written by MarshalJSON and validates the bounds.
func (r *KeyRange) UnmarshalJSON(data []byte) error {
	var in rangeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Trace(err)
	}
	var lo, hi Key
	var err error
	if len(in.Lower) > 0 {
		if lo, err = unmarshalKey(in.Lower); err != nil {
			return err
		}
	}
	if len(in.Upper) > 0 {
		if hi, err = unmarshalKey(in.Upper); err != nil {
			return err
		}
	}
	b, err := Bound(lo, hi, in.LowerOpen, in.UpperOpen)
	if err != nil {
		return err
	}
	*r = *b
	return nil
}

// ToJSONValue converts a key into a JSON-friendly value. Dates become
// {"$date": millis} and Max becomes {"$max": true}.
func ToJSONValue(k Key) any {
	switch v := k.(type) {
	case time.Time:
		return map[string]any{"$date": v.UnixMilli()}
	case maxKey:
		return map[string]any{"$max": true}
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = ToJSONValue(e)
		}
		return out
	}
	return k
}

// FromJSONValue reverses ToJSONValue on a value decoded by encoding/json.
func FromJSONValue(v any) (Key, error) {
	switch x := v.(type) {
	case map[string]any:
		if ms, ok := x["$date"].(float64); ok {
			return time.UnixMilli(int64(ms)).UTC(), nil
		}
		if m, ok := x["$max"].(bool); ok && m {
			return Max, nil
		}
		return nil, errors.Annotate(ErrInvalidKey, "unknown object key form")
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			k, err := FromJSONValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = k
		}
		return out, nil
	}
	return Normalize(v)
}

func marshalKey(k Key) (json.RawMessage, error) {
	b, err := json.Marshal(ToJSONValue(k))
	return b, errors.Trace(err)
}

func unmarshalKey(raw json.RawMessage) (Key, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Trace(err)
	}
	return FromJSONValue(v)
}
