package detectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// CWVQuality flags pages whose Core Web Vitals are poor or need work.
type CWVQuality struct{}

func (CWVQuality) Name() string { return SourceCWVQuality }

// VitalsClass is how a page's vitals rate against the thresholds.
type VitalsClass int

const (
	VitalsGood VitalsClass = iota
	VitalsNeedsImprovement
	VitalsPoor
)

// ClassifyVitals rates vitals and names the signals past each threshold.
func ClassifyVitals(v *model.Vitals, c CWVConfig) (VitalsClass, []string) {
	if v == nil {
		return VitalsGood, nil
	}
	class := VitalsGood
	var signals []string
	check := func(val *float64, name string, slow, poor float64) {
		if val == nil {
			return
		}
		switch {
		case *val > poor:
			class = VitalsPoor
			signals = append(signals, name+"_poor")
		case *val > slow:
			if class < VitalsNeedsImprovement {
				class = VitalsNeedsImprovement
			}
			signals = append(signals, name+"_needs_improvement")
		}
	}
	check(v.LCPMs, "lcp", c.LCPSlowMs, c.LCPPoorMs)
	check(v.CLS, "cls", c.CLSSlow, c.CLSPoor)
	check(v.INPMs, "inp", c.INPSlowMs, c.INPPoorMs)
	return class, signals
}

func (CWVQuality) Detect(ctx context.Context, w Window, cfg Config) ([]model.InsightDraft, error) {
	c := cfg.CWV
	var out []model.InsightDraft
	for _, r := range w.Latest() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if r.EntityType != model.EntityPage {
			continue
		}
		t := w.Totals(r.EntityKey)
		if t.Vitals == nil || t.Sessions < c.MinSessions {
			continue
		}
		class, signals := ClassifyVitals(t.Vitals, c)
		var severity model.Severity
		switch class {
		case VitalsPoor:
			severity = model.SeverityHigh
		case VitalsNeedsImprovement:
			severity = model.SeverityMedium
		default:
			continue
		}
		d := w.draft(r.EntityKey, SourceCWVQuality, model.CategoryRisk, severity, 0.75)
		d.Title = fmt.Sprintf("Core Web Vitals need work on %s", r.EntityID)
		d.Description = fmt.Sprintf("Signals: %s.", strings.Join(signals, ", "))
		d.Metrics = model.CWVMetrics{
			LCPMs:       t.Vitals.LCPMs,
			CLS:         t.Vitals.CLS,
			INPMs:       t.Vitals.INPMs,
			Sessions:    t.Sessions,
			PoorSignals: signals,
		}.Tagged()
		out = append(out, d)
	}
	return out, nil
}
