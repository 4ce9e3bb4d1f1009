package eventbus

import "regexp"

// RedactedMarker replaces the value of any sensitive field before an
// event leaves the bus. Redaction is one-way: the bus never attempts to
// "unredact" a value, since events exist only for display and audit.
const RedactedMarker = "***REDACTED***"

// sensitiveKeyPattern matches a parameter or result key whose lowercase
// form indicates it may carry a secret.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)password|token|secret|key|credential|auth`)

// sanitizeParameters recursively walks a parameter map and replaces the
// value of any key matching sensitiveKeyPattern, including through
// nested maps and slices of maps.
func sanitizeParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	return sanitizeMap(params)
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKeyPattern.MatchString(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return sanitizeMap(typed)
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = sanitizeValue(item)
		}
		return items
	default:
		return v
	}
}

// sanitizeData applies the same recursive redaction to an arbitrary
// result payload, when it happens to be map-shaped; other payload
// shapes (the common case: a tool's own struct) are left untouched,
// since the core cannot introspect an opaque `any` beyond what JSON
// marshaling of a map[string]any would reveal.
func sanitizeData(data any) any {
	if m, ok := data.(map[string]any); ok {
		return sanitizeMap(m)
	}
	return data
}
