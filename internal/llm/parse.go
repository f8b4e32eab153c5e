package llm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// DiagnosisResult is a parsed root-cause answer.
type DiagnosisResult struct {
	RootCause  model.RootCause
	Confidence float64
	Evidence   []string
	Reasoning  string
}

// StrategyResult is a parsed strategy review. Priority is zero when the
// model did not give a usable one.
type StrategyResult struct {
	Priority  int
	Reasoning string
}

// fields splits a line-format response into upper-cased keys and values.
func fields(response string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if _, seen := out[key]; seen {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// ParseDiagnosis reads ROOT_CAUSE, CONFIDENCE, EVIDENCE and REASONING lines.
// ROOT_CAUSE is required; an unparsable CONFIDENCE is an error because it
// feeds a validated field.
func ParseDiagnosis(response string) (DiagnosisResult, error) {
	f := fields(response)

	cause := model.RootCause(strings.ToLower(strings.Trim(f["ROOT_CAUSE"], "[] ")))
	if cause == "" {
		return DiagnosisResult{}, fmt.Errorf("llm: no ROOT_CAUSE line found in response")
	}
	if !cause.Valid() {
		return DiagnosisResult{}, fmt.Errorf("llm: unrecognized root cause %q", cause)
	}

	res := DiagnosisResult{RootCause: cause, Reasoning: f["REASONING"]}
	if raw, ok := f["CONFIDENCE"]; ok && raw != "" {
		c, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
		if err != nil {
			return DiagnosisResult{}, fmt.Errorf("llm: confidence %q: %w", raw, err)
		}
		if strings.HasSuffix(raw, "%") {
			c /= 100
		}
		if c < 0 || c > 1 {
			return DiagnosisResult{}, fmt.Errorf("llm: confidence %v outside [0,1]", c)
		}
		res.Confidence = c
	}
	for _, e := range strings.Split(f["EVIDENCE"], ";") {
		if e = strings.TrimSpace(e); e != "" {
			res.Evidence = append(res.Evidence, e)
		}
	}
	return res, nil
}

// ParseStrategy reads PRIORITY and REASONING lines. An out-of-range
// priority is dropped rather than failing; missing REASONING is an error.
func ParseStrategy(response string) (StrategyResult, error) {
	f := fields(response)
	res := StrategyResult{Reasoning: f["REASONING"]}
	if res.Reasoning == "" {
		return StrategyResult{}, fmt.Errorf("llm: no REASONING line found in response")
	}
	if p, err := strconv.Atoi(strings.Trim(f["PRIORITY"], "[] ")); err == nil && p >= 1 && p <= 5 {
		res.Priority = p
	}
	return res, nil
}
