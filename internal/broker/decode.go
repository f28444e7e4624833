package broker

import (
	"fmt"
	"time"
)

// Decoding helpers. Booleans, numeric widening and missing-field defaults
// are resolved here and never outside the gateway.

func (r Response) float(op, key string) (float64, error) {
	v, ok := r[key]
	if !ok {
		return 0, fmt.Errorf("%s: missing field %q: %w", op, key, ErrMalformed)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%s: field %q has type %T: %w", op, key, v, ErrMalformed)
}

func (r Response) floatOr(key string, def float64) float64 {
	if f, err := r.float("", key); err == nil {
		return f
	}
	return def
}

func (r Response) integer(op, key string) (int64, error) {
	v, ok := r[key]
	if !ok {
		return 0, fmt.Errorf("%s: missing field %q: %w", op, key, ErrMalformed)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("%s: field %q has type %T: %w", op, key, v, ErrMalformed)
}

func (r Response) str(op, key string) (string, error) {
	v, ok := r[key]
	if !ok {
		return "", fmt.Errorf("%s: missing field %q: %w", op, key, ErrMalformed)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: field %q has type %T: %w", op, key, v, ErrMalformed)
	}
	return s, nil
}

func (r Response) strOr(key, def string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return def
}

// success reports whether the response carries success=true. Anything else,
// including a missing field, counts as failure.
func (r Response) success() bool {
	switch v := r["success"].(type) {
	case bool:
		return v
	default:
		return false
	}
}

// errorReason extracts the broker-supplied error string, if any.
func (r Response) errorReason() string {
	return r.strOr("error", "")
}

// timestamp decodes a time field. Accepted shapes: time.Time, RFC3339
// string, or unix seconds (numeric). A missing or zero value is malformed;
// open times are never fabricated.
func (r Response) timestamp(op, key string) (time.Time, error) {
	v, ok := r[key]
	if !ok {
		return time.Time{}, fmt.Errorf("%s: missing field %q: %w", op, key, ErrMalformed)
	}
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("%s: zero time in %q: %w", op, key, ErrMalformed)
		}
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: bad time in %q: %w", op, key, ErrMalformed)
		}
		return parsed, nil
	case float64:
		if t <= 0 {
			return time.Time{}, fmt.Errorf("%s: non-positive epoch in %q: %w", op, key, ErrMalformed)
		}
		return time.Unix(int64(t), 0), nil
	case int64:
		if t <= 0 {
			return time.Time{}, fmt.Errorf("%s: non-positive epoch in %q: %w", op, key, ErrMalformed)
		}
		return time.Unix(t, 0), nil
	}
	return time.Time{}, fmt.Errorf("%s: field %q has type %T: %w", op, key, v, ErrMalformed)
}

// list decodes a field holding a slice of nested response maps.
func (r Response) list(op, key string) ([]Response, error) {
	v, ok := r[key]
	if !ok {
		return nil, fmt.Errorf("%s: missing field %q: %w", op, key, ErrMalformed)
	}
	switch items := v.(type) {
	case []Response:
		return items, nil
	case []map[string]any:
		out := make([]Response, len(items))
		for i, m := range items {
			out[i] = Response(m)
		}
		return out, nil
	case []any:
		out := make([]Response, 0, len(items))
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: element of %q has type %T: %w", op, key, item, ErrMalformed)
			}
			out = append(out, Response(m))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: field %q has type %T: %w", op, key, v, ErrMalformed)
}
