package change

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CanonicalImage produces the canonical byte representation of one
// before/after image: keys sorted lexicographically, fixed separators, no
// insignificant whitespace, values decoded per the §4.1 rule. A nil image
// canonicalizes to "null".
func CanonicalImage(image map[string]interface{}) ([]byte, error) {
	if image == nil {
		return []byte("null"), nil
	}
	decoded := make(map[string]interface{}, len(image))
	for k, raw := range image {
		decoded[k] = decodedValue(raw)
	}
	return canonicalJSON(decoded)
}

// decodedValue recursively applies DecodeRaw's scalar decoding, leaving
// nested maps/arrays structurally intact so arbitrary source metadata still
// round-trips through canonicalization.
func decodedValue(raw interface{}) interface{} {
	switch v := raw.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[k] = decodedValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = decodedValue(e)
		}
		return out
	default:
		val := DecodeRaw(raw)
		if val.Kind == KindNull {
			return nil
		}
		if val.Kind == KindBool {
			return val.Bool
		}
		return val.CanonicalString()
	}
}

// canonicalJSON marshals v with map keys sorted and no extraneous
// whitespace. sortKeys rebuilds nested maps and slices recursively, but the
// rebuilt values are still Go maps, so the key order in the output comes
// from encoding/json, which sorts map[string]interface{} keys.
func canonicalJSON(v interface{}) ([]byte, error) {
	ordered := sortKeys(v)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ordered); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sortKeys(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(vv))
		for _, k := range keys {
			ordered[k] = sortKeys(vv[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return vv
	}
}

// Canonicalize canonically serializes an arbitrary JSON-compatible value:
// map keys sorted recursively, fixed separators, no trailing newline.
// Exported for callers outside this package that need to fold raw
// canonical fragments (json.RawMessage) into a larger canonical object, or
// to canonicalize a plain object such as the transaction metadata (with the
// payload's hash) hashed for the leaf hash.
func Canonicalize(v interface{}) ([]byte, error) {
	return canonicalJSON(v)
}

// Payload returns the canonical bytes for the {before, after} pair, which
// is the input to the raw-data hash (§4.2).
func Payload(before, after map[string]interface{}) ([]byte, error) {
	b, err := CanonicalImage(before)
	if err != nil {
		return nil, err
	}
	a, err := CanonicalImage(after)
	if err != nil {
		return nil, err
	}
	return canonicalJSON(map[string]interface{}{
		"before": json.RawMessage(b),
		"after":  json.RawMessage(a),
	})
}
