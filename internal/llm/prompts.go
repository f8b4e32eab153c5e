package llm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// SystemContext is sent as the system message on every call.
const SystemContext = `You are a search performance analyst. You explain changes in organic
search traffic for a website and recommend concrete fixes. Answer only in the
requested line format.`

const diagnosisPrompt = `A finding was raised for property %s.

Summary: %s
Severity: %s
Affected entities: %s
Metrics:
%s
Rule-based classification: %s (confidence %.2f)

Pick the most likely root cause. Allowed values: technical, content, algorithmic, seasonal.

Respond with exactly these lines:
ROOT_CAUSE: <one allowed value>
CONFIDENCE: <number between 0 and 1>
EVIDENCE: <short fact>; <short fact>
REASONING: <one or two sentences>`

// DiagnosisInput is what the Diagnostician knows about a Finding.
type DiagnosisInput struct {
	Finding        model.Finding
	RuleCause      model.RootCause
	RuleConfidence float64
}

// DiagnosisPrompt builds the prompt for root-cause reasoning.
func DiagnosisPrompt(in DiagnosisInput) string {
	entities := strings.Join(in.Finding.AffectedEntities, ", ")
	if entities == "" {
		entities = "(none)"
	}
	return fmt.Sprintf(diagnosisPrompt,
		in.Finding.Property,
		in.Finding.Summary,
		in.Finding.Severity,
		entities,
		formatMetrics(in.Finding.Metrics),
		in.RuleCause,
		in.RuleConfidence,
	)
}

const strategyPrompt = `A diagnosis was made for property %s.

Root cause: %s (confidence %.2f)
Evidence: %s
Planned action items:
%s
Expected traffic lift: %.1f%%

Review the plan. Respond with exactly these lines:
PRIORITY: <1-5, 1 is most urgent>
REASONING: <one or two sentences on why this plan addresses the root cause>`

// StrategyInput is what the Strategist knows about a Diagnosis and its plan.
type StrategyInput struct {
	Diagnosis   model.Diagnosis
	ActionItems []model.ActionItem
	LiftPct     float64
}

// StrategyPrompt builds the prompt for strategy review.
func StrategyPrompt(in StrategyInput) string {
	var items strings.Builder
	for _, it := range in.ActionItems {
		fmt.Fprintf(&items, "%d. %s (impact %d, effort %d)\n", it.Rank, it.Title, it.ImpactScore, it.EffortScore)
	}
	return fmt.Sprintf(strategyPrompt,
		in.Diagnosis.Property,
		in.Diagnosis.RootCause,
		in.Diagnosis.Confidence,
		strings.Join(in.Diagnosis.SupportingEvidence, "; "),
		strings.TrimRight(items.String(), "\n"),
		in.LiftPct,
	)
}

func formatMetrics(m map[string]float64) string {
	if len(m) == 0 {
		return "  (none)"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "  %s: %s", k, strconv.FormatFloat(m[k], 'f', -1, 64))
	}
	return b.String()
}
