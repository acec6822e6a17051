package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EncodeParams renders query parameters as an in-band CYPHER prefix:
//
//	CYPHER name='alice' limit=10 MATCH (e:Entity {name: $name}) ...
//
// FalkorDB parses the prefix and binds the values before planning the query,
// which keeps user content out of the query text itself. Keys are emitted in
// sorted order so encoded queries are deterministic.
func EncodeParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("CYPHER ")
	for _, k := range keys {
		encoded, err := encodeValue(params[k])
		if err != nil {
			return "", fmt.Errorf("param %q: %w", k, err)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(encoded)
		b.WriteByte(' ')
	}
	return b.String(), nil
}

// encodeValue renders a single parameter value as a Cypher literal.
func encodeValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return quoteString(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case []float32:
		return encodeVector(val), nil
	case []string:
		parts := make([]string, len(val))
		for i, s := range val {
			parts[i] = quoteString(s)
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			enc, err := encodeValue(item)
			if err != nil {
				return "", err
			}
			parts[i] = enc
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			enc, err := encodeValue(val[k])
			if err != nil {
				return "", err
			}
			parts[i] = k + ":" + enc
		}
		return "{" + strings.Join(parts, ",") + "}", nil
	default:
		return "", fmt.Errorf("unsupported parameter type %T", v)
	}
}

// encodeVector renders a float32 slice as a vecf32 literal, the form the
// vector index expects for both stored embeddings and query vectors.
func encodeVector(vec []float32) string {
	parts := make([]string, len(vec))
	for i, f := range vec {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return "vecf32([" + strings.Join(parts, ",") + "])"
}

// quoteString single-quotes s, escaping backslashes and embedded quotes.
func quoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
