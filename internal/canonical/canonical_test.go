package canonical

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestCanonicalize_ScenarioA(t *testing.T) {
	raw := RawConfig{"a": "1", "b": " x,y,x "}
	cfg, err := Canonicalize(raw, AllowlistOf("a", "b"), CurrentVersion)
	require.NoError(t, err)

	assert.Equal(t, `{"a":1,"b":["x","y"]}`, cfg.String())
	newGoldie(t).Assert(t, "scenario_a", cfg.Bytes())
}

func TestCanonicalize_TrainingAllowlist(t *testing.T) {
	allow, ok := DefaultAllowlist(CurrentVersion)
	require.True(t, ok)

	raw := RawConfig{
		"TARGET_COLUMN":         " is_fraud ",
		"TASK_TYPE":             "classification",
		"TEST_SIZE":             "0.2",
		"RANDOM_SEED":           "42",
		"MODEL_LIST":            "xgboost, lgbm,xgboost",
		"LAG_PERIODS":           "7,1,14",
		"ENABLE_FEATURETOOLS":   "no",
		"TIME_COLUMN":           "",
		"PIPELINE_ROOT_URI":     "gs://bucket/runs",
		"AWS_SECRET_ACCESS_KEY": "hunter2",
		"DATA_ROOT":             "/data/fraud",
	}
	cfg, err := Canonicalize(raw, allow, CurrentVersion)
	require.NoError(t, err)

	newGoldie(t).Assert(t, "training_v1", cfg.Bytes())
	assert.NotContains(t, cfg.String(), "hunter2")
	assert.NotContains(t, cfg.String(), "PIPELINE_ROOT_URI")
	assert.NotContains(t, cfg.String(), "DATA_ROOT")
}

func TestCanonicalize_SemanticEquality(t *testing.T) {
	allow := Allowlist{"n": Auto, "f": Auto, "l": Auto, "b": Auto, "s": Auto}

	variants := []RawConfig{
		{"n": "7", "f": "0.50", "l": "b,a,a", "b": "TRUE", "s": " hi "},
		{"s": "hi", "b": true, "l": []any{"a", "b"}, "f": 0.5, "n": 7},
		{"l": []string{" b ", "a"}, "n": float64(7), "b": "true", "f": json.Number("0.5"), "s": "hi\t"},
		{"n": int64(7), "f": "0.5", "l": "a , b", "b": "True", "s": "hi", "ignored": "x"},
	}

	first, err := Canonicalize(variants[0], allow, CurrentVersion)
	require.NoError(t, err)
	for i, raw := range variants[1:] {
		got, err := Canonicalize(raw, allow, CurrentVersion)
		require.NoError(t, err, "variant %d", i+1)
		assert.Equal(t, first.String(), got.String(), "variant %d", i+1)
	}
	assert.Equal(t, `{"b":true,"f":0.5,"l":["a","b"],"n":7,"s":"hi"}`, first.String())
}

func TestCanonicalize_NullSubstitution(t *testing.T) {
	cfg, err := Canonicalize(
		RawConfig{"a": "   ", "b": nil, "c": ",,", "d": []any{}},
		Allowlist{"a": Auto, "b": Int, "c": List, "d": List},
		CurrentVersion,
	)
	require.NoError(t, err)
	assert.Equal(t, `{"a":null,"b":null,"c":null,"d":null}`, cfg.String())

	v, ok := cfg.Value("a")
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestCanonicalize_MissingKeysOmitted(t *testing.T) {
	cfg, err := Canonicalize(RawConfig{"a": "x"}, AllowlistOf("a", "b"), CurrentVersion)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x"}`, cfg.String())
	assert.Equal(t, []string{"a"}, cfg.Keys())
}

func TestCanonicalize_DeclaredTypes(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		typ  FieldType
		want string
	}{
		{"string keeps digits", "0123", String, `"0123"`},
		{"string keeps commas", "a,b", String, `"a,b"`},
		{"int from string", " -12 ", Int, `-12`},
		{"int from integral float", float64(3), Int, `3`},
		{"float from int string", "1", Float, `1`},
		{"float from decimal", "0.25", Float, `0.25`},
		{"bool yes", "Yes", Bool, `true`},
		{"bool zero", "0", Bool, `false`},
		{"list from single", "x", List, `["x"]`},
		{"auto bool case", "FaLsE", Auto, `false`},
		{"auto plain string", "xgboost", Auto, `"xgboost"`},
		{"no html escaping", "<a&b>", String, `"<a&b>"`},
		{"nfc", "e\u0301", String, "\"\u00e9\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Canonicalize(RawConfig{"k": tt.raw}, Allowlist{"k": tt.typ}, CurrentVersion)
			require.NoError(t, err)
			assert.Equal(t, `{"k":`+tt.want+`}`, cfg.String())
		})
	}
}

func TestCanonicalize_BoolSpellingsAgree(t *testing.T) {
	allow := Allowlist{"HANDLE_IMBALANCE": Bool}
	tests := []struct {
		want     string
		spelling []any
	}{
		{`true`, []any{true, "true", "1", "1.0", " yes ", 1, int64(1), float64(1), json.Number("1")}},
		{`false`, []any{false, "false", "0", "0.0", "NO", 0, int64(0), float64(0), json.Number("0")}},
	}
	for _, tt := range tests {
		for _, raw := range tt.spelling {
			cfg, err := Canonicalize(RawConfig{"HANDLE_IMBALANCE": raw}, allow, CurrentVersion)
			require.NoError(t, err, "spelling %#v", raw)
			assert.Equal(t, `{"HANDLE_IMBALANCE":`+tt.want+`}`, cfg.String(), "spelling %#v", raw)
		}
	}
}

func TestCanonicalize_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		typ  FieldType
	}{
		{"int from word", "ten", Int},
		{"int from decimal", "1.5", Int},
		{"float from word", "abc", Float},
		{"bool from word", "maybe", Bool},
		{"nan", math.NaN(), Auto},
		{"inf", math.Inf(1), Float},
		{"nested object", map[string]any{"x": 1}, Auto},
		{"nested list", []any{[]any{"x"}}, List},
		{"bool as int", true, Int},
		{"bool from int two", 2, Bool},
		{"bool from fraction", 0.5, Bool},
		{"bool from digit string two", "2", Bool},
		{"list as string", []any{"a"}, String},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(RawConfig{"k": tt.raw}, Allowlist{"k": tt.typ}, CurrentVersion)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfigValue))

			var ice *InvalidConfigValueError
			require.True(t, errors.As(err, &ice))
			assert.Equal(t, "k", ice.Key)
		})
	}
}

func TestCanonicalize_UnknownVersion(t *testing.T) {
	_, err := Canonicalize(RawConfig{}, AllowlistOf("a"), "9.9.9")
	assert.ErrorIs(t, err, ErrUnknownVersion)

	cfg, err := Canonicalize(RawConfig{"a": "x"}, AllowlistOf("a"), "")
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, cfg.Version())
}

func TestCanonicalize_Stable(t *testing.T) {
	raw := RawConfig{"z": "1", "a": "b,a", "m": "2.50"}
	allow := AllowlistOf("z", "a", "m")
	want, err := Canonicalize(raw, allow, CurrentVersion)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		got, err := Canonicalize(raw, allow, CurrentVersion)
		require.NoError(t, err)
		require.Equal(t, want.Bytes(), got.Bytes())
	}
}

func TestCanonicalConfig_MarshalJSON(t *testing.T) {
	cfg, err := Canonicalize(RawConfig{"b": "2", "a": "x"}, AllowlistOf("a", "b"), CurrentVersion)
	require.NoError(t, err)

	doc, err := json.Marshal(struct {
		Config *CanonicalConfig `json:"canonical_config"`
	}{cfg})
	require.NoError(t, err)
	assert.Equal(t, `{"canonical_config":{"a":"x","b":2}}`, string(doc))
}

func TestParseFieldType(t *testing.T) {
	for _, name := range []string{"auto", "string", "int", "float", "bool", "list"} {
		typ, ok := ParseFieldType(name)
		require.True(t, ok, name)
		assert.Equal(t, name, typ.String())
	}
	_, ok := ParseFieldType("decimal")
	assert.False(t, ok)
}

func TestCanonicalize_VersionBoundIntoPayload(t *testing.T) {
	allow, ok := DefaultAllowlist(CurrentVersion)
	require.True(t, ok)

	cfg, err := Canonicalize(RawConfig{"RANDOM_SEED": 1}, allow, CurrentVersion)
	require.NoError(t, err)
	assert.Equal(t, `{"CANONICALIZATION_VERSION":"1.0.0","RANDOM_SEED":1}`, cfg.String())

	// A matching explicit value changes nothing.
	explicit, err := Canonicalize(RawConfig{"RANDOM_SEED": 1, VersionKey: " 1.0.0 "}, allow, CurrentVersion)
	require.NoError(t, err)
	assert.Equal(t, cfg.String(), explicit.String())

	_, err = Canonicalize(RawConfig{VersionKey: "2.0.0"}, allow, CurrentVersion)
	assert.ErrorIs(t, err, ErrInvalidConfigValue)

	// Allowlists that do not declare the key are left alone.
	plain, err := Canonicalize(RawConfig{"a": 1}, AllowlistOf("a"), CurrentVersion)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, plain.String())
}

func TestCanonicalize_PlatformRules(t *testing.T) {
	allow, ok := DefaultAllowlist(CurrentVersion)
	require.True(t, ok)

	tests := []struct {
		name    string
		raw     RawConfig
		wantKey string
	}{
		{"unknown task type", RawConfig{"TASK_TYPE": "telepathy"}, "TASK_TYPE"},
		{"bad model format", RawConfig{"MODEL_FORMAT": "pickle"}, "MODEL_FORMAT"},
		{"train size zero", RawConfig{"TRAIN_SIZE": 0}, "TRAIN_SIZE"},
		{"train size one", RawConfig{"TRAIN_SIZE": "1.0"}, "TRAIN_SIZE"},
		{"negative cv folds", RawConfig{"CV_FOLDS": -1}, "CV_FOLDS"},
		{"classification without target", RawConfig{"TASK_TYPE": "classification"}, "TARGET_COLUMN"},
		{"regression with blank target", RawConfig{"TASK_TYPE": "regression", "TARGET_COLUMN": "  "}, "TARGET_COLUMN"},
		{"forecasting without time", RawConfig{"TASK_TYPE": "forecasting", "FORECAST_HORIZON": 7}, "TIME_COLUMN"},
		{"forecasting without horizon", RawConfig{"TASK_TYPE": "forecasting", "TIME_COLUMN": "ts"}, "FORECAST_HORIZON"},
		{"forecasting zero horizon", RawConfig{"TASK_TYPE": "forecasting", "ENABLE_TIME_SPLIT": true, "FORECAST_HORIZON": 0}, "FORECAST_HORIZON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Canonicalize(tt.raw, allow, CurrentVersion)
			require.ErrorIs(t, err, ErrInvalidConfigValue)

			var ice *InvalidConfigValueError
			require.True(t, errors.As(err, &ice))
			assert.Equal(t, tt.wantKey, ice.Key)
			assert.NotEmpty(t, ice.Reason)
		})
	}

	valid := []RawConfig{
		{"TASK_TYPE": "classification", "TARGET_COLUMN": "label", "TRAIN_SIZE": 0.8, "CV_FOLDS": 0, "MODEL_FORMAT": "onnx"},
		{"TASK_TYPE": "forecasting", "TIME_COLUMN": "ts", "FORECAST_HORIZON": "14"},
		{"TASK_TYPE": "forecasting", "ENABLE_TIME_SPLIT": "yes", "FORECAST_HORIZON": 3},
		{"TASK_TYPE": "clustering"},
		{"RANDOM_SEED": 1},
	}
	for _, raw := range valid {
		_, err := Canonicalize(raw, allow, CurrentVersion)
		assert.NoError(t, err, "config %v", raw)
	}

	// Cross-field rules only look at keys the allowlist declares.
	_, err := Canonicalize(RawConfig{"TASK_TYPE": "regression"}, AllowlistOf("TASK_TYPE"), CurrentVersion)
	assert.NoError(t, err)
}
