// Package canonical turns shell output into comparable values.
//
// A canonical value is one of nil, bool, float64, string, []any or
// map[string]any. Store-native types are rendered as strings: ObjectIDs as
// hex, dates as ISO-8601 UTC with milliseconds. Integers beyond ±2^53 keep
// their exact decimal text instead of becoming an inexact float64.
package canonical

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxDocuments caps a canonical result regardless of what the store returned.
const MaxDocuments = 200

// maxExactInt is the largest magnitude a float64 holds without rounding.
const maxExactInt = 1 << 53

// TimeLayout matches JavaScript's Date.prototype.toJSON.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Result is an ordered, capped sequence of canonical documents.
type Result struct {
	Docs      []any
	Truncated bool
}

// Len returns the number of retained documents.
func (r Result) Len() int {
	return len(r.Docs)
}

// Sample returns at most n leading documents, never nil.
func (r Result) Sample(n int) []any {
	if n > len(r.Docs) {
		n = len(r.Docs)
	}
	out := make([]any, n)
	copy(out, r.Docs[:n])
	return out
}

// MarshalJSON renders the documents as a JSON array.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Docs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Docs)
}

// Canonicalize parses raw shell output (relaxed or canonical Extended JSON).
// Empty output is an empty result; a lone scalar or object becomes a
// one-element result.
func Canonicalize(raw string) (Result, error) {
	v, err := DecodeValue([]byte(raw))
	if err != nil {
		return Result{}, err
	}
	return FromValue(v), nil
}

// FromValue wraps an already canonical value into a capped Result.
func FromValue(v any) Result {
	var docs []any
	switch t := v.(type) {
	case nil:
		docs = []any{}
	case []any:
		docs = t
	default:
		docs = []any{t}
	}
	res := Result{Docs: docs}
	if len(docs) > MaxDocuments {
		res.Docs = docs[:MaxDocuments:MaxDocuments]
		res.Truncated = true
	}
	return res
}

// DecodeValue parses one Extended JSON value into its canonical form.
// Input that the Extended JSON reader refuses (for example a user key that
// looks like a type wrapper) is read as plain JSON instead.
func DecodeValue(data []byte) (any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	wrapped := make([]byte, 0, len(data)+6)
	wrapped = append(wrapped, `{"v":`...)
	wrapped = append(wrapped, data...)
	wrapped = append(wrapped, '}')

	var doc bson.D
	if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err == nil && len(doc) == 1 {
		return normalize(doc[0].Value), nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json: trailing data after value")
	}
	return normalize(v), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return nil
	case bool:
		return t
	case string:
		return t
	case int32:
		return float64(t)
	case int64:
		return normalizeInt(t)
	case int:
		return normalizeInt(int64(t))
	case float64:
		return normalizeFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return normalizeInt(i)
		}
		if isIntegerLiteral(t.String()) {
			return t.String()
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return normalizeFloat(f)
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format(TimeLayout)
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC().Format(TimeLayout)
	case primitive.Decimal128:
		return t.String()
	case primitive.Binary:
		return base64.StdEncoding.EncodeToString(t.Data)
	case primitive.Regex:
		return "/" + t.Pattern + "/" + t.Options
	case primitive.Symbol:
		return string(t)
	case primitive.JavaScript:
		return string(t)
	case primitive.MinKey:
		return "$minKey"
	case primitive.MaxKey:
		return "$maxKey"
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case primitive.A:
		return normalizeSlice(t)
	case []any:
		return normalizeSlice(t)
	default:
		return fmt.Sprint(t)
	}
}

func normalizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalize(v)
	}
	return out
}

func normalizeSlice(in []any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = normalize(v)
	}
	return out
}

func normalizeInt(i int64) any {
	if i > maxExactInt || i < -maxExactInt {
		return strconv.FormatInt(i, 10)
	}
	return float64(i)
}

func isIntegerLiteral(s string) bool {
	if len(s) > 0 && s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// normalizeFloat keeps non-finite numbers representable in JSON.
func normalizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

// Equal reports structural equality of two canonical values.
// Map key order never matters; sequence order does.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}
