// Package parameters handles model hyperparameters given by the user as a configuration string,
// like "adam_epsilon=1e-7,seed=42", parsed into Params, a map[string]string.
package parameters

import (
	"slices"
	"strconv"
	"strings"

	"github.com/janpfeifer/rankGo/internal/generics"
	"github.com/pkg/errors"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString create params from user's configuration string.
// Empty entries (e.g. a trailing ",") are ignored.
// See GetParamOr and PopParamOr to parse values from this map.
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		subParts := strings.SplitN(part, "=", 2) // Split into up to 2 parts to handle '=' in values
		if len(subParts) == 1 {
			params[subParts[0]] = ""
		} else {
			params[strings.TrimSpace(subParts[0])] = strings.TrimSpace(subParts[1])
		}
	}
	return params
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or returns the defaultValue
// if not.
//
// For bool types, a key without a value is interpreted as true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	vAny := (any)(defaultValue)
	var t T
	toT := func(v any) T { return v.(T) }
	switch vAny.(type) {
	case string:
		if value, exists := params[key]; exists {
			return toT(value), nil
		}
	case int:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.Atoi(value)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
			}
			return toT(parsedValue), nil
		}
	case float32:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
			}
			return toT(float32(parsedValue)), nil
		}
	case float64:
		if value, exists := params[key]; exists && value != "" {
			parsedValue, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
			}
			return toT(parsedValue), nil
		}
	case bool:
		if value, exists := params[key]; exists {
			if value == "" || strings.ToLower(value) == "true" || value == "1" { // Empty value is considered "true"
				return toT(true), nil
			}
			if strings.ToLower(value) == "false" || value == "0" {
				return toT(false), nil
			}
			return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
		}
	}
	return defaultValue, nil
}

// CheckConsumed returns an error listing the parameters left in params: after all known parameters
// were popped, anything left is unknown.
func CheckConsumed(params Params) error {
	if len(params) == 0 {
		return nil
	}
	unknown := slices.Collect(generics.SortedKeys(params))
	return errors.Errorf("unknown parameter(s) %q", unknown)
}
