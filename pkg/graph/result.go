package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Result is the normalized form of a GRAPH.QUERY reply: column names, rows of
// scalar cells, and the statistics trailer. Queries in this codebase RETURN
// explicit scalar columns, so cells are strings, integers, floats, or nil.
type Result struct {
	Columns []string
	Rows    [][]any
	Stats   map[string]string
}

// Empty reports whether the result carries no rows.
func (r *Result) Empty() bool {
	return len(r.Rows) == 0
}

// Stat returns a parsed statistic value such as "Nodes created".
func (r *Result) Stat(key string) (string, bool) {
	v, ok := r.Stats[key]
	return v, ok
}

// Normalize converts the raw reply of GRAPH.QUERY into a Result.
//
// The server reply has one of three shapes:
//   - nil or empty array: no data (treated as an empty result)
//   - 1 element: statistics only (write query without RETURN)
//   - 3 elements: header, rows, statistics
//
// A 2-element reply (header then statistics) is handled for completeness.
func Normalize(raw any) (*Result, error) {
	if raw == nil {
		return &Result{}, nil
	}

	top, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", raw)
	}

	switch len(top) {
	case 0:
		return &Result{}, nil
	case 1:
		return &Result{Stats: parseStats(top[0])}, nil
	case 2:
		cols, err := parseHeader(top[0])
		if err != nil {
			return nil, err
		}
		return &Result{Columns: cols, Stats: parseStats(top[1])}, nil
	case 3:
		cols, err := parseHeader(top[0])
		if err != nil {
			return nil, err
		}
		rows, err := parseRows(top[1])
		if err != nil {
			return nil, err
		}
		return &Result{Columns: cols, Rows: rows, Stats: parseStats(top[2])}, nil
	default:
		return nil, fmt.Errorf("unexpected reply arity %d", len(top))
	}
}

func parseHeader(raw any) ([]string, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected header type %T", raw)
	}
	cols := make([]string, len(arr))
	for i, c := range arr {
		switch v := c.(type) {
		case string:
			cols[i] = v
		case []any:
			// Compact protocol encodes columns as [type, name] pairs.
			if len(v) == 2 {
				if name, ok := v[1].(string); ok {
					cols[i] = name
					continue
				}
			}
			return nil, fmt.Errorf("unexpected header cell %v", v)
		default:
			return nil, fmt.Errorf("unexpected header cell type %T", c)
		}
	}
	return cols, nil
}

func parseRows(raw any) ([][]any, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected rows type %T", raw)
	}
	rows := make([][]any, len(arr))
	for i, r := range arr {
		cells, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("unexpected row type %T", r)
		}
		rows[i] = cells
	}
	return rows, nil
}

// parseStats turns the trailer ("Nodes created: 1", ...) into a map.
func parseStats(raw any) map[string]string {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	stats := make(map[string]string, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if k, v, found := strings.Cut(s, ": "); found {
			stats[k] = v
		}
	}
	return stats
}

// AsString converts a result cell to a string. Nil cells become "".
func AsString(cell any) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// AsInt64 converts a result cell to an int64. Non-numeric cells become 0.
func AsInt64(cell any) int64 {
	switch v := cell.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// AsFloat64 converts a result cell to a float64. The RESP2 protocol returns
// doubles as strings, so both representations are accepted.
func AsFloat64(cell any) float64 {
	switch v := cell.(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// AsStringSlice converts an array cell (such as labels(n)) to strings.
func AsStringSlice(cell any) []string {
	switch v := cell.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, AsString(item))
		}
		return out
	default:
		return nil
	}
}

// AsBool converts a result cell to a bool.
func AsBool(cell any) bool {
	switch v := cell.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	case int64:
		return v != 0
	default:
		return false
	}
}
