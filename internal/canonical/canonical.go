package canonical

import (
	"errors"
	"fmt"
	"sort"
)

// RawConfig is an unordered mapping of configuration keys to values as they
// come out of a YAML/JSON decoder or the environment.
type RawConfig map[string]any

// CurrentVersion is the normalization version used when none is requested.
const CurrentVersion = "1.0.0"

// VersionKey is filled with the normalization version whenever the
// allowlist declares it, which binds the version into the hashed bytes.
const VersionKey = "CANONICALIZATION_VERSION"

var (
	// ErrInvalidConfigValue is matched by every InvalidConfigValueError.
	ErrInvalidConfigValue = errors.New("invalid config value")

	// ErrUnknownVersion is returned for a normalization version that is not registered.
	ErrUnknownVersion = errors.New("unknown canonicalization version")
)

// InvalidConfigValueError reports a value that cannot be coerced to the type
// declared for its key, or that a platform rule rejects (Reason set).
type InvalidConfigValueError struct {
	Key    string
	Value  any
	Want   FieldType
	Reason string
}

func (e *InvalidConfigValueError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid config value for %s: %v: %s", e.Key, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid config value for %s: %v cannot be coerced to %s", e.Key, e.Value, e.Want)
}

func (e *InvalidConfigValueError) Is(target error) bool {
	return target == ErrInvalidConfigValue
}

// CanonicalConfig is the normalized, serialized identity-affecting subset of a
// RawConfig. It is immutable once built.
type CanonicalConfig struct {
	version string
	values  map[string]any
	keys    []string
	data    []byte
}

// Canonicalize filters raw down to the keys in allowlist, normalizes each value
// according to version and serializes the result.
//
// Keys outside the allowlist never reach the output. Allowlisted keys missing
// from raw are omitted rather than written as null.
func Canonicalize(raw RawConfig, allowlist Allowlist, version string) (*CanonicalConfig, error) {
	if version == "" {
		version = CurrentVersion
	}
	v, ok := lookupVersion(version)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}

	values := make(map[string]any, len(allowlist))
	for key, typ := range allowlist {
		rawVal, present := raw[key]
		if !present {
			continue
		}
		norm, err := v.normalize(key, rawVal, typ)
		if err != nil {
			return nil, err
		}
		values[key] = norm
	}

	if _, ok := allowlist[VersionKey]; ok {
		if got, present := values[VersionKey]; present && got != nil && got != version {
			return nil, &InvalidConfigValueError{
				Key:    VersionKey,
				Value:  got,
				Want:   String,
				Reason: fmt.Sprintf("does not match requested version %s", version),
			}
		}
		values[VersionKey] = version
	}

	if v.validate != nil {
		if err := v.validate(values, allowlist); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data, err := encodeObject(keys, values)
	if err != nil {
		return nil, fmt.Errorf("serialize canonical config: %w", err)
	}

	return &CanonicalConfig{
		version: version,
		values:  values,
		keys:    keys,
		data:    data,
	}, nil
}

// Bytes returns the compact serialized form. The slice must not be modified.
func (c *CanonicalConfig) Bytes() []byte { return c.data }

// String returns the compact serialized form.
func (c *CanonicalConfig) String() string { return string(c.data) }

// Version returns the normalization version that produced this config.
func (c *CanonicalConfig) Version() string { return c.version }

// Keys returns the retained keys in serialization order.
func (c *CanonicalConfig) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Value returns the normalized value for key. Lists are returned as []string,
// numbers as int64 or float64, and explicit nulls as nil with ok set.
func (c *CanonicalConfig) Value(key string) (any, bool) {
	v, ok := c.values[key]
	if list, isList := v.([]string); isList {
		out := make([]string, len(list))
		copy(out, list)
		return out, ok
	}
	return v, ok
}

// MarshalJSON emits the canonical bytes unchanged so that embedding a
// CanonicalConfig in a larger document preserves its exact form.
func (c *CanonicalConfig) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	return c.data, nil
}
