package canonical

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// version pins one normalization pipeline. Registered versions are never
// edited; behaviour changes get a new entry.
type version struct {
	name      string
	allowlist Allowlist
	normalize func(key string, v any, typ FieldType) (any, error)
	validate  func(values map[string]any, allowlist Allowlist) error
}

var versions = map[string]version{
	"1.0.0": {
		name:      "1.0.0",
		allowlist: trainingAllowlistV1,
		normalize: normalizeV1,
		validate:  platformRulesV1,
	},
}

func lookupVersion(name string) (version, bool) {
	v, ok := versions[name]
	return v, ok
}

// Versions returns the registered normalization versions, sorted.
func Versions() []string {
	out := make([]string, 0, len(versions))
	for k := range versions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	intPattern     = regexp.MustCompile(`^-?\d+$`)
	decimalPattern = regexp.MustCompile(`^-?\d+\.\d+$`)
)

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

// normalizeV1 applies trim, type-coerce, list-normalize and null-substitute
// to one value. Key sorting and serialization happen on the whole object.
func normalizeV1(key string, v any, typ FieldType) (any, error) {
	invalid := func() error {
		return &InvalidConfigValueError{Key: key, Value: v, Want: typ}
	}

	switch val := v.(type) {
	case nil:
		return nil, nil

	case string:
		return normalizeStringV1(key, val, typ)

	case json.Number:
		return normalizeStringV1(key, val.String(), typ)

	case bool:
		switch typ {
		case Auto, Bool:
			return val, nil
		case String:
			return strconv.FormatBool(val), nil
		case List:
			return []string{strconv.FormatBool(val)}, nil
		}
		return nil, invalid()

	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, err := strconv.ParseInt(fmt.Sprint(val), 10, 64)
		if err != nil {
			return nil, invalid()
		}
		return coerceInt(n, typ, invalid)

	case float32:
		return normalizeFloatV1(float64(val), typ, invalid)

	case float64:
		return normalizeFloatV1(val, typ, invalid)

	case []string:
		if typ != Auto && typ != List {
			return nil, invalid()
		}
		return normalizeListV1(val), nil

	case []any:
		if typ != Auto && typ != List {
			return nil, invalid()
		}
		items := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := scalarString(item)
			if !ok {
				return nil, invalid()
			}
			items = append(items, s)
		}
		return normalizeListV1(items), nil
	}

	return nil, invalid()
}

func normalizeStringV1(key, raw string, typ FieldType) (any, error) {
	s := norm.NFC.String(strings.TrimSpace(raw))
	if s == "" {
		return nil, nil
	}
	invalid := func() error {
		return &InvalidConfigValueError{Key: key, Value: raw, Want: typ}
	}

	switch typ {
	case String:
		return s, nil

	case List:
		return normalizeListV1(strings.Split(s, ",")), nil

	case Bool:
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		if intPattern.MatchString(s) || decimalPattern.MatchString(s) {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				if b, ok := numericBool(f); ok {
					return b, nil
				}
			}
		}
		return nil, invalid()

	case Int:
		if !intPattern.MatchString(s) {
			return nil, invalid()
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, invalid()
		}
		return n, nil

	case Float:
		if !intPattern.MatchString(s) && !decimalPattern.MatchString(s) {
			return nil, invalid()
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) {
			return nil, invalid()
		}
		return f, nil
	}

	// Auto
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if intPattern.MatchString(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	if decimalPattern.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) {
			return f, nil
		}
	}
	if strings.Contains(s, ",") {
		return normalizeListV1(strings.Split(s, ",")), nil
	}
	return s, nil
}

func coerceInt(n int64, typ FieldType, invalid func() error) (any, error) {
	switch typ {
	case Auto, Int:
		return n, nil
	case Float:
		return float64(n), nil
	case String:
		return strconv.FormatInt(n, 10), nil
	case List:
		return []string{strconv.FormatInt(n, 10)}, nil
	case Bool:
		if b, ok := numericBool(float64(n)); ok {
			return b, nil
		}
	}
	return nil, invalid()
}

// numericBool accepts 0 and 1 as booleans, matching the "0" and "1"
// spellings allowed for string input.
func numericBool(f float64) (bool, bool) {
	switch f {
	case 0:
		return false, true
	case 1:
		return true, true
	}
	return false, false
}

// normalizeFloatV1 folds integral floats into integers under Auto so that a
// decoder reading 1 as float64 and one reading it as int agree.
func normalizeFloatV1(f float64, typ FieldType, invalid func() error) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, invalid()
	}
	integral := f == math.Trunc(f) && math.Abs(f) <= maxExactInt
	switch typ {
	case Auto:
		if integral {
			return int64(f), nil
		}
		return f, nil
	case Float:
		return f, nil
	case Int:
		if !integral {
			return nil, invalid()
		}
		return int64(f), nil
	case String:
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case List:
		return []string{strconv.FormatFloat(f, 'f', -1, 64)}, nil
	case Bool:
		if b, ok := numericBool(f); ok {
			return b, nil
		}
	}
	return nil, invalid()
}

// normalizeListV1 trims items, drops empties, removes duplicates and sorts
// byte-wise. An empty result becomes null.
func normalizeListV1(items []string) any {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		s := norm.NFC.String(strings.TrimSpace(item))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// scalarString renders a list element. Nested lists and objects are rejected.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", true
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", false
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	}
	return "", false
}
