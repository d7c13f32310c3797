package canonical

import "sort"

// FieldType is the declared type of an allowlisted key.
type FieldType int

const (
	// Auto infers booleans, integers, decimals and comma lists from strings.
	Auto FieldType = iota
	String
	Int
	Float
	Bool
	List
)

func (t FieldType) String() string {
	switch t {
	case Auto:
		return "auto"
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case List:
		return "list"
	default:
		return "unknown"
	}
}

// ParseFieldType maps a type name used in task files to a FieldType.
func ParseFieldType(s string) (FieldType, bool) {
	switch s {
	case "", "auto":
		return Auto, true
	case "string":
		return String, true
	case "int", "integer":
		return Int, true
	case "float", "number":
		return Float, true
	case "bool", "boolean":
		return Bool, true
	case "list", "array":
		return List, true
	}
	return Auto, false
}

// Allowlist maps identity-affecting keys to their declared type.
type Allowlist map[string]FieldType

// Keys returns the allowlisted keys sorted byte-wise.
func (a Allowlist) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AllowlistOf builds an Allowlist where every key uses Auto coercion.
func AllowlistOf(keys ...string) Allowlist {
	a := make(Allowlist, len(keys))
	for _, k := range keys {
		a[k] = Auto
	}
	return a
}

// DefaultAllowlist returns the identity-affecting keys of the training
// pipeline for a normalization version. Platform settings (pipeline root,
// cluster addresses, credentials) are deliberately absent. The dataset enters
// identity through its fingerprint, so its location is absent too.
func DefaultAllowlist(version string) (Allowlist, bool) {
	v, ok := lookupVersion(version)
	if !ok {
		return nil, false
	}
	out := make(Allowlist, len(v.allowlist))
	for k, t := range v.allowlist {
		out[k] = t
	}
	return out, true
}

var trainingAllowlistV1 = Allowlist{
	VersionKey:                String,
	"TARGET_DATAFRAME":        String,
	"TARGET_COLUMN":           String,
	"TIME_COLUMN":             String,
	"GROUP_COLUMN":            String,
	"SAMPLE_ROWS":             Int,
	"TASK_TYPE":               String,
	"TASK_SUBTYPE":            String,
	"TEST_SIZE":               Float,
	"RANDOM_SEED":             Int,
	"FORECAST_HORIZON":        Int,
	"ENABLE_TIME_SPLIT":       Bool,
	"ENABLE_RAY_TRANSFORMS":   Bool,
	"ENABLE_FEATURETOOLS":     Bool,
	"FT_TARGET_ENTITY":        String,
	"FT_MAX_DEPTH":            Int,
	"FT_MAX_FEATURES":         Int,
	"FT_USE_TIME_INDEX":       Bool,
	"MAX_FEATURES":            Int,
	"CORRELATION_THRESHOLD":   Float,
	"MAX_MISSING_RATIO":       Float,
	"ENABLE_LAG_FEATURES":     Bool,
	"LAG_PERIODS":             List,
	"ENABLE_ROLLING_FEATURES": Bool,
	"ROLLING_WINDOWS":         List,
	"AUTOML_TIME_BUDGET":      Int,
	"MODEL_LIST":              List,
	"HANDLE_IMBALANCE":        Bool,
	"IMBALANCE_STRATEGY":      String,
	"PRIMARY_METRIC":          String,
	"RETRAIN_FROM_MODEL_URI":  String,
	"MODEL_FORMAT":            String,
	"SPLIT_STRATEGY":          String,
	"TRAIN_SIZE":              Float,
	"CV_FOLDS":                Int,
	"STRATIFY_BY":             String,
	"GROUP_SPLIT_COLUMN":      String,
}
