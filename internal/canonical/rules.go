package canonical

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	allowedTaskTypes = map[string]struct{}{
		"classification": {}, "regression": {}, "forecasting": {}, "clustering": {},
		"ranking": {}, "survival": {}, "anomaly": {}, "multi_label": {}, "multi_output": {},
	}
	allowedModelFormats = map[string]struct{}{"joblib": {}, "onnx": {}}
)

// platformRulesV1 rejects values the training platform refuses to run with.
// Single-key rules apply to non-null values. Cross-field rules apply once
// TASK_TYPE is set, and only to keys the allowlist declares.
func platformRulesV1(values map[string]any, allowlist Allowlist) error {
	reject := func(key string, reason string, args ...any) error {
		return &InvalidConfigValueError{
			Key:    key,
			Value:  values[key],
			Want:   allowlist[key],
			Reason: fmt.Sprintf(reason, args...),
		}
	}

	taskType, hasTask := values["TASK_TYPE"].(string)
	if hasTask {
		if _, ok := allowedTaskTypes[taskType]; !ok {
			return reject("TASK_TYPE", "must be one of %s", strings.Join(sortedKeys(allowedTaskTypes), ", "))
		}
	}
	if format, ok := values["MODEL_FORMAT"].(string); ok {
		if _, ok := allowedModelFormats[format]; !ok {
			return reject("MODEL_FORMAT", "must be joblib or onnx")
		}
	}
	if f, ok := number(values["TRAIN_SIZE"]); ok && !(f > 0 && f < 1) {
		return reject("TRAIN_SIZE", "must be between 0 and 1")
	}
	if f, ok := number(values["CV_FOLDS"]); ok && f < 0 {
		return reject("CV_FOLDS", "must be >= 0")
	}

	if !hasTask {
		return nil
	}
	declared := func(key string) bool {
		_, ok := allowlist[key]
		return ok
	}

	switch taskType {
	case "classification", "regression":
		if declared("TARGET_COLUMN") && !nonEmpty(values["TARGET_COLUMN"]) {
			return reject("TARGET_COLUMN", "required for %s tasks", taskType)
		}
	case "forecasting":
		if declared("TIME_COLUMN") && !nonEmpty(values["TIME_COLUMN"]) && values["ENABLE_TIME_SPLIT"] != true {
			return reject("TIME_COLUMN", "forecasting requires TIME_COLUMN or ENABLE_TIME_SPLIT")
		}
		if declared("FORECAST_HORIZON") {
			if h, ok := number(values["FORECAST_HORIZON"]); !ok || h <= 0 || h != math.Trunc(h) {
				return reject("FORECAST_HORIZON", "must be an integer > 0 for forecasting")
			}
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func nonEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
