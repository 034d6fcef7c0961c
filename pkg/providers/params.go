// Package providers holds the parameter helpers shared by the concrete adapters
// in its subpackages.
package providers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opgate/opgate/pkg/engine"
)

// ParseLabels parses "key=value,key2=value2" into a map. Empty input yields nil.
func ParseLabels(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, expected key=value", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// SortedKeys returns the keys of m in order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Bool reads a boolean parameter. A missing key yields false.
func Bool(op *engine.Operation, key string) (bool, error) {
	v, ok := op.Params[key]
	if !ok || strings.TrimSpace(v) == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("parameter %s: %q is not a boolean", key, v)
	}
	return b, nil
}

// Param returns the trimmed parameter value or def when it is empty.
func Param(op *engine.Operation, key, def string) string {
	if v := strings.TrimSpace(op.Params[key]); v != "" {
		return v
	}
	return def
}

// Unsupported returns the UNSUPPORTED adapter error for an operation the
// adapter cannot perform.
func Unsupported(op *engine.Operation, format string, args ...interface{}) error {
	return engine.NewAdapterError(engine.ErrCodeUnsupported, fmt.Sprintf(format, args...), nil).
		WithTarget(op.TargetKey())
}
