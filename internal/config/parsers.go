// Package config loads crankswarm settings from command-line flags and an
// optional JSON or YAML file. File settings are applied first and flags that
// were set explicitly override them.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// lookupSetting returns the first of candidates present in settings. Viper
// lowercases file keys, so each candidate is also tried in lower case.
func lookupSetting(settings map[string]interface{}, candidates ...string) (interface{}, bool) {
	for _, key := range candidates {
		if val, ok := settings[key]; ok {
			return val, true
		}
		if val, ok := settings[strings.ToLower(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

func asString(value interface{}) (string, error) {
	return cast.ToStringE(value)
}

// blank reports whether a file value is absent or an empty string, which
// every scalar parser treats as the zero value.
func blank(value interface{}) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

func trimmed(value interface{}) interface{} {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return value
}

func asInt(value interface{}) (int, error) {
	if blank(value) {
		return 0, nil
	}
	return cast.ToIntE(trimmed(value))
}

func asFloat64(value interface{}) (float64, error) {
	if blank(value) {
		return 0, nil
	}
	return cast.ToFloat64E(trimmed(value))
}

func asBool(value interface{}) (bool, error) {
	if blank(value) {
		return false, nil
	}
	return cast.ToBoolE(trimmed(value))
}

// asDuration accepts a bare number of seconds ("20", 1.5) or a Go duration
// ("20s", "1h30m").
func asDuration(value interface{}) (time.Duration, error) {
	if blank(value) {
		return 0, nil
	}
	switch v := trimmed(value).(type) {
	case time.Duration:
		return v, nil
	case bool:
		return 0, fmt.Errorf("unsupported duration type %T", value)
	case string:
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return seconds(secs), nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: use e.g. 20, 20s, 3m or 1h30m", v)
		}
		return d, nil
	default:
		secs, err := cast.ToFloat64E(v)
		if err != nil {
			return 0, fmt.Errorf("unsupported duration type %T", value)
		}
		return seconds(secs), nil
	}
}

func seconds(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// asStringMap reads header maps; keys must be non-empty.
func asStringMap(value interface{}) (map[string]string, error) {
	if value == nil {
		return nil, nil
	}
	if _, ok := value.(string); ok {
		return nil, fmt.Errorf("unsupported headers type %T", value)
	}
	result, err := cast.ToStringMapStringE(value)
	if err != nil {
		return nil, fmt.Errorf("unsupported headers type %T", value)
	}
	for key := range result {
		if strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("header key cannot be empty")
		}
	}
	return result, nil
}

// asStringSlice accepts a list or a whitespace separated string.
func asStringSlice(value interface{}) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	switch v := value.(type) {
	case string:
		return strings.Fields(v), nil
	case []string:
		return append([]string(nil), v...), nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		return nil, fmt.Errorf("unsupported string slice type %T", value)
	}
	result := make([]string, len(items))
	for i, item := range items {
		if result[i], err = asString(item); err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
	}
	return result, nil
}

// asIntSlice accepts a list or a single number.
func asIntSlice(value interface{}) ([]int, error) {
	if value == nil {
		return nil, nil
	}
	if direct, ok := value.([]int); ok {
		return append([]int(nil), direct...), nil
	}
	items, err := toInterfaceSlice(value)
	if err != nil {
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		return []int{n}, nil
	}
	result := make([]int, len(items))
	for i, item := range items {
		if result[i], err = asInt(item); err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
	}
	return result, nil
}

// asFloat64Slice accepts a list or a comma separated string, the form the
// --buckets flag takes.
func asFloat64Slice(value interface{}) ([]float64, error) {
	if value == nil {
		return nil, nil
	}
	var items []interface{}
	switch v := value.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case string:
		for _, part := range strings.Split(v, ",") {
			items = append(items, part)
		}
	default:
		var err error
		if items, err = toInterfaceSlice(v); err != nil {
			return nil, fmt.Errorf("unsupported list type %T", value)
		}
	}
	result := make([]float64, len(items))
	for i, item := range items {
		f, err := cast.ToFloat64E(trimmed(item))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		result[i] = f
	}
	return result, nil
}

func toInterfaceSlice(value interface{}) ([]interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return v, nil
	case []map[interface{}]interface{}:
		items := make([]interface{}, len(v))
		for i := range v {
			items[i] = v[i]
		}
		return items, nil
	case []map[string]interface{}:
		items := make([]interface{}, len(v))
		for i := range v {
			items[i] = v[i]
		}
		return items, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", value)
	}
}

// toStringKeyMap normalizes keys to trimmed lower case.
func toStringKeyMap(value interface{}) (map[string]interface{}, error) {
	raw, err := cast.ToStringMapE(value)
	if err != nil || value == nil {
		return nil, fmt.Errorf("expected map, got %T", value)
	}
	if _, ok := value.(string); ok {
		return nil, fmt.Errorf("expected map, got %T", value)
	}
	result := make(map[string]interface{}, len(raw))
	for key, val := range raw {
		result[strings.ToLower(strings.TrimSpace(key))] = val
	}
	return result, nil
}
