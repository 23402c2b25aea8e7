// Package redact masks credentials before they reach logs or stored result payloads.
package redact

import "strings"

// Token keeps at most a four character prefix and suffix of a credential.
// Values too short to mask safely are fully hidden.
func Token(tok string) string {
	switch n := len(tok); {
	case n == 0:
		return ""
	case n <= 4:
		return "***"
	case n <= 8:
		return tok[:2] + "***" + tok[n-2:]
	default:
		return tok[:4] + "***" + tok[n-4:]
	}
}

var sensitiveKeys = map[string]bool{
	"token":        true,
	"accesstoken":  true,
	"refreshtoken": true,
	"password":     true,
	"facedata":     true,
}

// Sensitive reports whether a JSON key carries a credential. Matching ignores case.
func Sensitive(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

// Value returns a deep copy of v where every string under a sensitive key is
// masked with Token. Maps and slices are copied, other values are shared.
func Value(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if s, ok := val.(string); ok && Sensitive(k) {
				out[k] = Token(s)
				continue
			}
			out[k] = Value(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Value(val)
		}
		return out
	default:
		return v
	}
}
