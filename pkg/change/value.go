// Package change models one CDC row-level event and its canonical,
// hash-ready byte representation.
package change

import (
	"encoding/base64"
	"math/big"
	"time"
)

// Kind is the column value variant produced while decoding a raw CDC
// envelope. The rest of the pipeline only ever consumes the canonical
// byte output of a Value, never this tagged form directly.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindDecimal
	KindBool
	KindNull
	KindTimestamp
	KindOpaque
)

// Value is a decoded column value tagged with its recognized kind.
// String, Decimal and Timestamp all render to their canonical string form;
// Integer carries the big.Int decoded from a base64 two's-complement
// payload so the decimal string is reproduced exactly regardless of width.
type Value struct {
	Kind    Kind
	Str     string
	Int     *big.Int
	Bool    bool
	Opaque  []byte
}

// DecodeRaw interprets one raw JSON-decoded column value (string, float64,
// bool, nil, or nested structure) into a tagged Value, applying the base64
// signed-integer decode rule from the canonicalizer.
func DecodeRaw(raw interface{}) Value {
	switch v := raw.(type) {
	case nil:
		return Value{Kind: KindNull}
	case bool:
		return Value{Kind: KindBool, Bool: v}
	case string:
		if n, ok := decodeBase64SignedInt(v); ok {
			return Value{Kind: KindInteger, Int: n, Str: n.String()}
		}
		return Value{Kind: KindString, Str: v}
	case float64:
		return Value{Kind: KindDecimal, Str: formatFloat(v)}
	default:
		return Value{Kind: KindOpaque, Str: "", Opaque: nil}
	}
}

// decodeBase64SignedInt attempts the §4.1 decoding rule: treat s as base64,
// and the decoded bytes as a signed big-endian two's-complement integer. It
// returns ok=false when s is not valid base64, decodes to zero bytes, is
// already a plain decimal string, or is otherwise implausible as a numeric
// (callers then keep the original string).
func decodeBase64SignedInt(s string) (*big.Int, bool) {
	if isPlainDecimalText(s) {
		// Already the canonical decimal form of an integer (e.g. produced
		// by a prior canonicalization pass). Re-decoding it as base64 would
		// both be nonsensical and break idempotence (§8 property 2) for
		// digit strings whose length happens to be a multiple of 4.
		return nil, false
	}
	if !looksLikeEncodedNumeric(s) {
		// A plain word composed only of base64 letters (e.g. "Database")
		// is valid base64 text but is not a plausible encoded numeric: real
		// encoded integers, being arbitrary binary, overwhelmingly contain
		// at least one base64 digit/symbol character across any
		// non-trivial length.
		return nil, false
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) == 0 || len(raw) > 32 {
		return nil, false
	}
	n := new(big.Int).SetBytes(raw)
	if raw[0]&0x80 != 0 {
		// Negative: subtract 2^(8*len(raw)).
		modulus := new(big.Int).Lsh(big.NewInt(1), uint(len(raw)*8))
		n.Sub(n, modulus)
	}
	return n, true
}

// isPlainDecimalText reports whether s is already a bare decimal integer
// (optional leading '-', digits only), which must never be reinterpreted as
// base64.
func isPlainDecimalText(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '-' {
		i = 1
	}
	if i == len(s) {
		return false
	}
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// looksLikeEncodedNumeric requires at least one base64 digit/symbol/padding
// character ('0'-'9', '+', '/', '=') in s. Strings made up solely of
// upper/lower-case letters are valid base64 but are treated as implausible
// numerics, since this is the shape of ordinary text that happens to sit in
// the base64 alphabet.
func looksLikeEncodedNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '+' || c == '/' || c == '=' {
			return true
		}
	}
	return false
}

func formatFloat(f float64) string {
	// json.Number round-trips decimals like "999.99" without float noise;
	// callers that need that precision should prefer passing json.Number
	// through DecodeJSONNumber instead of a plain float64.
	return big.NewFloat(f).Text('f', -1)
}

// DecodeJSONNumber decodes a json.Number-typed column value, preserving its
// original decimal text exactly (no float round-trip).
func DecodeJSONNumber(s string) Value {
	return Value{Kind: KindDecimal, Str: s}
}

// NormalizeTimestamp renders t in the fixed canonical shape
// YYYY-MM-DDTHH:MM:SS.mmm (millisecond precision, no timezone suffix).
func NormalizeTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000")
}

// CanonicalString returns the value's canonical string form, used both for
// hashing and for placement into the canonical JSON tree.
func (v Value) CanonicalString() string {
	switch v.Kind {
	case KindInteger:
		if v.Int != nil {
			return v.Int.String()
		}
		return v.Str
	default:
		return v.Str
	}
}
