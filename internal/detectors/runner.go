package detectors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/telemetry"
)

// Runner executes a detector set with per-detector isolation.
type Runner struct {
	detectors []Detector
	cfg       Config
	logger    *slog.Logger

	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// NewRunner creates a Runner. A nil set means All().
func NewRunner(set []Detector, cfg Config, logger *slog.Logger) *Runner {
	if set == nil {
		set = All()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	meter := telemetry.Meter("mitoshi/detectors")
	dur, _ := meter.Float64Histogram("mitoshi.detector.duration",
		metric.WithDescription("Time to run one detector (ms)"),
		metric.WithUnit("ms"),
	)
	fails, _ := meter.Int64Counter("mitoshi.detector.failures",
		metric.WithDescription("Detector runs that returned an error or panicked"),
	)
	return &Runner{detectors: set, cfg: cfg, logger: logger, duration: dur, failures: fails}
}

// Config returns the thresholds the runner passes to detectors.
func (r *Runner) Config() Config { return r.cfg }

// Run executes every detector against w. A detector that errors or panics
// is logged and reported in its DetectorResult; the others still run. Drafts
// that fail validation are dropped and logged. Drafts sharing a fingerprint
// are collapsed, keeping the most severe. Run itself only fails when ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context, w Window) (model.DetectionReport, error) {
	results := make([]model.DetectorResult, len(r.detectors))
	drafts := make([][]model.InsightDraft, len(r.detectors))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, d := range r.detectors {
		g.Go(func() error {
			start := time.Now()
			out, err := r.safeDetect(gctx, d, w)
			elapsed := time.Since(start)
			r.duration.Record(gctx, float64(elapsed.Milliseconds()),
				metric.WithAttributes(attribute.String("detector", d.Name())))

			res := model.DetectorResult{Detector: d.Name(), Elapsed: elapsed}
			if err != nil {
				res.Error = err.Error()
				r.failures.Add(gctx, 1, metric.WithAttributes(attribute.String("detector", d.Name())))
				r.logger.Error("detectors: detector failed", "detector", d.Name(), "error", err)
			} else {
				out = r.validDrafts(d.Name(), out)
				res.Drafts = len(out)
				drafts[i] = out
			}
			results[i] = res
			// Detector failures are contained; never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	report := model.DetectionReport{Results: results}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	report.Drafts = dedupe(drafts)
	return report, nil
}

func (r *Runner) safeDetect(ctx context.Context, d Detector, w Window) (out []model.InsightDraft, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("detectors: detector panicked", "detector", d.Name(), "panic", p, "stack", string(debug.Stack()))
			out, err = nil, fmt.Errorf("detector %s panicked: %v", d.Name(), p)
		}
	}()
	return d.Detect(ctx, w, r.cfg)
}

func (r *Runner) validDrafts(name string, in []model.InsightDraft) []model.InsightDraft {
	out := in[:0]
	for _, d := range in {
		if err := model.ValidateInsightDraft(d); err != nil {
			r.logger.Warn("detectors: dropping invalid draft", "detector", name, "entity_id", d.EntityID, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out
}

// dedupe keeps one draft per fingerprint, preferring higher severity and then
// higher confidence, in the order detectors were registered.
func dedupe(groups [][]model.InsightDraft) []model.InsightDraft {
	index := map[string]int{}
	var out []model.InsightDraft
	for _, g := range groups {
		for _, d := range g {
			fp := d.Fingerprint()
			i, seen := index[fp]
			if !seen {
				index[fp] = len(out)
				out = append(out, d)
				continue
			}
			cur := out[i]
			if d.Severity.Rank() > cur.Severity.Rank() ||
				(d.Severity == cur.Severity && d.Confidence > cur.Confidence) {
				out[i] = d
			}
		}
	}
	return out
}
