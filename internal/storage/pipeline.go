package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mitoshi/internal/model"
)

// ClaimOptions controls how a stage leases pending records.
type ClaimOptions struct {
	Worker      string
	Limit       int
	MaxAttempts int
	Lease       time.Duration
}

const claimColumns = `processed, processed_at, claimed_by, claimed_until, attempts, last_error, failed_at`

func claimDest(c *model.ClaimState) []any {
	return []any{&c.Processed, &c.ProcessedAt, &c.ClaimedBy, &c.ClaimedUntil, &c.Attempts, &c.LastError, &c.FailedAt}
}

// consumedTable maps a stage to the table whose rows it consumes.
var consumedTable = map[model.Stage]string{
	model.StageDiagnostician: "agent_findings",
	model.StageStrategist:    "agent_diagnoses",
	model.StageDispatcher:    "agent_recommendations",
}

// claim leases up to opts.Limit pending rows of table and returns their
// ids. Rows locked by another claimer are skipped, rows whose lease
// expired are claimable again.
func (db *DB) claim(ctx context.Context, table string, opts ClaimOptions) ([]uuid.UUID, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	var ids []uuid.UUID
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id FROM `+table+`
			 WHERE processed = false AND failed_at IS NULL AND attempts < $1
			   AND (claimed_until IS NULL OR claimed_until < now())
			 ORDER BY created_at ASC
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED`,
			opts.MaxAttempts, opts.Limit,
		)
		if err != nil {
			return fmt.Errorf("storage: select pending %s: %w", table, err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("storage: scan pending %s: %w", table, err)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+table+`
			 SET claimed_by = $2, claimed_until = now() + $3 * interval '1 microsecond', attempts = attempts + 1
			 WHERE id = ANY($1)`,
			ids, opts.Worker, opts.Lease.Microseconds(),
		); err != nil {
			return fmt.Errorf("storage: lease %s: %w", table, err)
		}
		return nil
	})
	return ids, err
}

// markConsumed flips processed on a claimed row. Zero rows means another
// worker consumed it first.
func markConsumed(ctx context.Context, tx pgx.Tx, table string, id uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		`UPDATE `+table+`
		 SET processed = true, processed_at = now(), claimed_by = NULL, claimed_until = NULL
		 WHERE id = $1 AND processed = false`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark %s processed: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// ReleaseClaim records a failed attempt. The row becomes claimable again
// after a backoff of 2^attempts seconds (at most 5 minutes); once attempts
// reaches maxAttempts it is marked failed and never claimed again. It
// reports whether the row is now terminally failed.
func (db *DB) ReleaseClaim(ctx context.Context, stage model.Stage, id uuid.UUID, errMsg string, maxAttempts int) (bool, error) {
	table, ok := consumedTable[stage]
	if !ok {
		return false, fmt.Errorf("storage: stage %s consumes nothing", stage)
	}
	var failed bool
	err := db.pool.QueryRow(ctx,
		`UPDATE `+table+`
		 SET last_error = $2,
		     claimed_by = NULL,
		     claimed_until = now() + LEAST(POWER(2, attempts), 300) * interval '1 second',
		     failed_at = CASE WHEN attempts >= $3 THEN now() ELSE NULL END
		 WHERE id = $1 AND processed = false
		 RETURNING failed_at IS NOT NULL`,
		id, errMsg, maxAttempts,
	).Scan(&failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrAlreadyProcessed
		}
		return false, fmt.Errorf("storage: release %s claim: %w", table, err)
	}
	return failed, nil
}

// --- findings ---

const findingColumns = `id, insight_id, property, dedupe_key, category, severity, summary,
	affected_entities, metrics, ` + claimColumns + `, created_at`

func scanFinding(row pgx.Row) (model.Finding, error) {
	var f model.Finding
	dest := append([]any{
		&f.ID, &f.InsightID, &f.Property, &f.DedupeKey, &f.Category, &f.Severity, &f.Summary,
		&f.AffectedEntities, &f.Metrics,
	}, claimDest(&f.ClaimState)...)
	err := row.Scan(append(dest, &f.CreatedAt)...)
	return f, err
}

// InsertFinding stores a Watcher finding unless one with the same dedupe
// key exists. created reports whether a row was written.
func (db *DB) InsertFinding(ctx context.Context, f model.Finding, decision model.AgentDecision) (bool, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.AffectedEntities == nil {
		f.AffectedEntities = []string{}
	}
	if f.Metrics == nil {
		f.Metrics = map[string]float64{}
	}
	var created bool
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO agent_findings (id, insight_id, property, dedupe_key, category, severity, summary,
			     affected_entities, metrics, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			 ON CONFLICT (dedupe_key) DO NOTHING`,
			f.ID, f.InsightID, f.Property, f.DedupeKey, string(f.Category), string(f.Severity), f.Summary,
			f.AffectedEntities, f.Metrics,
		)
		if err != nil {
			return fmt.Errorf("storage: insert finding: %w", err)
		}
		created = tag.RowsAffected() == 1
		if !created {
			return nil
		}
		decision.SubjectID = f.ID
		return insertDecision(ctx, tx, decision)
	})
	return created, err
}

// ClaimFindings leases pending findings for the Diagnostician.
func (db *DB) ClaimFindings(ctx context.Context, opts ClaimOptions) ([]model.Finding, error) {
	ids, err := db.claim(ctx, "agent_findings", opts)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+findingColumns+` FROM agent_findings WHERE id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: load findings: %w", err)
	}
	defer rows.Close()
	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFinding returns one finding.
func (db *DB) GetFinding(ctx context.Context, id uuid.UUID) (model.Finding, error) {
	f, err := scanFinding(db.pool.QueryRow(ctx, `SELECT `+findingColumns+` FROM agent_findings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Finding{}, ErrNotFound
		}
		return model.Finding{}, fmt.Errorf("storage: get finding: %w", err)
	}
	return f, nil
}

// CompleteFinding consumes a finding: in one transaction it marks the
// finding processed, writes its diagnosis and the audit decision. If the
// finding was already consumed it returns ErrAlreadyProcessed and writes
// nothing.
func (db *DB) CompleteFinding(ctx context.Context, findingID uuid.UUID, d model.Diagnosis, decision model.AgentDecision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.SupportingEvidence == nil {
		d.SupportingEvidence = []string{}
	}
	return db.inTx(ctx, func(tx pgx.Tx) error {
		if err := markConsumed(ctx, tx, "agent_findings", findingID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_diagnoses (id, finding_id, insight_id, property, root_cause, confidence,
			     supporting_evidence, reasoning, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
			d.ID, findingID, d.InsightID, d.Property, string(d.RootCause), d.Confidence,
			d.SupportingEvidence, d.Reasoning,
		); err != nil {
			return fmt.Errorf("storage: insert diagnosis: %w", err)
		}
		decision.SubjectID = d.ID
		return insertDecision(ctx, tx, decision)
	})
}

// --- diagnoses ---

const diagnosisColumns = `id, finding_id, insight_id, property, root_cause, confidence,
	supporting_evidence, reasoning, ` + claimColumns + `, created_at`

func scanDiagnosis(row pgx.Row) (model.Diagnosis, error) {
	var d model.Diagnosis
	dest := append([]any{
		&d.ID, &d.FindingID, &d.InsightID, &d.Property, &d.RootCause, &d.Confidence,
		&d.SupportingEvidence, &d.Reasoning,
	}, claimDest(&d.ClaimState)...)
	err := row.Scan(append(dest, &d.CreatedAt)...)
	return d, err
}

// ClaimDiagnoses leases pending diagnoses for the Strategist.
func (db *DB) ClaimDiagnoses(ctx context.Context, opts ClaimOptions) ([]model.Diagnosis, error) {
	ids, err := db.claim(ctx, "agent_diagnoses", opts)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+diagnosisColumns+` FROM agent_diagnoses WHERE id = ANY($1) ORDER BY created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: load diagnoses: %w", err)
	}
	defer rows.Close()
	var out []model.Diagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan diagnosis: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDiagnosisByFinding returns the diagnosis written for a finding.
func (db *DB) GetDiagnosisByFinding(ctx context.Context, findingID uuid.UUID) (model.Diagnosis, error) {
	d, err := scanDiagnosis(db.pool.QueryRow(ctx,
		`SELECT `+diagnosisColumns+` FROM agent_diagnoses WHERE finding_id = $1`, findingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Diagnosis{}, ErrNotFound
		}
		return model.Diagnosis{}, fmt.Errorf("storage: get diagnosis: %w", err)
	}
	return d, nil
}

// CompleteDiagnosis consumes a diagnosis and writes its recommendation.
func (db *DB) CompleteDiagnosis(ctx context.Context, diagnosisID uuid.UUID, r model.Recommendation, decision model.AgentDecision) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return db.inTx(ctx, func(tx pgx.Tx) error {
		if err := markConsumed(ctx, tx, "agent_diagnoses", diagnosisID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_recommendations (id, diagnosis_id, insight_id, property, root_cause,
			     action_items, priority, estimated_effort_hours, expected_impact,
			     expected_traffic_lift_pct, reasoning, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
			r.ID, diagnosisID, r.InsightID, r.Property, string(r.RootCause),
			r.ActionItems, r.Priority, r.EstimatedEffortHours, string(r.ExpectedImpact),
			r.ExpectedTrafficLiftPct, r.Reasoning,
		); err != nil {
			return fmt.Errorf("storage: insert recommendation: %w", err)
		}
		decision.SubjectID = r.ID
		return insertDecision(ctx, tx, decision)
	})
}

// --- recommendations ---

const recommendationColumns = `id, diagnosis_id, insight_id, property, root_cause, action_items,
	priority, estimated_effort_hours, expected_impact, expected_traffic_lift_pct, reasoning,
	` + claimColumns + `, created_at`

func scanRecommendation(row pgx.Row) (model.Recommendation, error) {
	var r model.Recommendation
	dest := append([]any{
		&r.ID, &r.DiagnosisID, &r.InsightID, &r.Property, &r.RootCause, &r.ActionItems,
		&r.Priority, &r.EstimatedEffortHours, &r.ExpectedImpact, &r.ExpectedTrafficLiftPct, &r.Reasoning,
	}, claimDest(&r.ClaimState)...)
	err := row.Scan(append(dest, &r.CreatedAt)...)
	return r, err
}

// ClaimRecommendations leases pending recommendations for the Dispatcher.
func (db *DB) ClaimRecommendations(ctx context.Context, opts ClaimOptions) ([]model.Recommendation, error) {
	ids, err := db.claim(ctx, "agent_recommendations", opts)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+recommendationColumns+` FROM agent_recommendations WHERE id = ANY($1) ORDER BY priority, created_at`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: load recommendations: %w", err)
	}
	defer rows.Close()
	var out []model.Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan recommendation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecommendationByDiagnosis returns the recommendation written for a
// diagnosis.
func (db *DB) GetRecommendationByDiagnosis(ctx context.Context, diagnosisID uuid.UUID) (model.Recommendation, error) {
	r, err := scanRecommendation(db.pool.QueryRow(ctx,
		`SELECT `+recommendationColumns+` FROM agent_recommendations WHERE diagnosis_id = $1`, diagnosisID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Recommendation{}, ErrNotFound
		}
		return model.Recommendation{}, fmt.Errorf("storage: get recommendation: %w", err)
	}
	return r, nil
}

// CompleteRecommendation consumes a recommendation and writes a pending
// execution for it.
func (db *DB) CompleteRecommendation(ctx context.Context, recommendationID uuid.UUID, e model.Execution, decision model.AgentDecision) (model.Execution, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.RecommendationID = recommendationID
	e.Status = model.ExecutionPending
	if e.ActionIDs == nil {
		e.ActionIDs = []uuid.UUID{}
	}
	var out model.Execution
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if err := markConsumed(ctx, tx, "agent_recommendations", recommendationID); err != nil {
			return err
		}
		var err error
		out, err = scanExecution(tx.QueryRow(ctx,
			`INSERT INTO agent_executions (id, recommendation_id, insight_id, property, root_cause, status,
			     dry_run, action_ids, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			 RETURNING `+executionColumns,
			e.ID, recommendationID, e.InsightID, e.Property, string(e.RootCause), string(e.Status),
			e.DryRun, e.ActionIDs,
		))
		if err != nil {
			return fmt.Errorf("storage: insert execution: %w", err)
		}
		decision.SubjectID = e.ID
		return insertDecision(ctx, tx, decision)
	})
	return out, err
}

// --- executions ---

const executionColumns = `id, recommendation_id, insight_id, property, root_cause, status, dry_run,
	action_ids, baseline_metrics, outcome_metrics, lift_pct, error, started_at, completed_at,
	monitor_until, created_at, updated_at`

func scanExecution(row pgx.Row) (model.Execution, error) {
	var e model.Execution
	err := row.Scan(
		&e.ID, &e.RecommendationID, &e.InsightID, &e.Property, &e.RootCause, &e.Status, &e.DryRun,
		&e.ActionIDs, &e.BaselineMetrics, &e.OutcomeMetrics, &e.LiftPct, &e.Error, &e.StartedAt, &e.CompletedAt,
		&e.MonitorUntil, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

// GetExecution returns one execution.
func (db *DB) GetExecution(ctx context.Context, id uuid.UUID) (model.Execution, error) {
	e, err := scanExecution(db.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM agent_executions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Execution{}, ErrNotFound
		}
		return model.Execution{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution writes e if the stored status is still from. A status
// that moved underneath returns model.ErrStateConflict.
func (db *DB) UpdateExecution(ctx context.Context, e model.Execution, from model.ExecutionStatus) (model.Execution, error) {
	if e.ActionIDs == nil {
		e.ActionIDs = []uuid.UUID{}
	}
	out, err := scanExecution(db.pool.QueryRow(ctx,
		`UPDATE agent_executions SET
		     status = $3, action_ids = $4, baseline_metrics = $5, outcome_metrics = $6, lift_pct = $7,
		     error = $8, started_at = $9, completed_at = $10, monitor_until = $11, updated_at = now()
		 WHERE id = $1 AND status = $2
		 RETURNING `+executionColumns,
		e.ID, string(from), string(e.Status), e.ActionIDs, e.BaselineMetrics, e.OutcomeMetrics, e.LiftPct,
		e.Error, e.StartedAt, e.CompletedAt, e.MonitorUntil,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Execution{}, fmt.Errorf("%w: execution %s is no longer %s", model.ErrStateConflict, e.ID, from)
		}
		return model.Execution{}, fmt.Errorf("storage: update execution: %w", err)
	}
	return out, nil
}

// ExecutionsDueForMonitor returns completed, non dry-run executions whose
// monitoring window has closed and that have no outcome yet.
func (db *DB) ExecutionsDueForMonitor(ctx context.Context, now time.Time, limit int) ([]model.Execution, error) {
	limit, _ = clampPage(limit, 0)
	return db.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM agent_executions
		 WHERE status = 'completed' AND dry_run = false AND outcome_metrics IS NULL
		   AND monitor_until IS NOT NULL AND monitor_until <= $1
		 ORDER BY monitor_until
		 LIMIT $2`,
		now, limit)
}

// ListExecutions returns executions newest first.
func (db *DB) ListExecutions(ctx context.Context, status *model.ExecutionStatus, limit, offset int) ([]model.Execution, error) {
	limit, offset = clampPage(limit, offset)
	w := &whereBuilder{}
	if status != nil {
		w.add("status = ?", string(*status))
	}
	page := w.page(limit, offset)
	return db.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM agent_executions`+w.clause()+` ORDER BY created_at DESC`+page,
		w.args...)
}

func (db *DB) queryExecutions(ctx context.Context, sql string, args ...any) ([]model.Execution, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query executions: %w", err)
	}
	defer rows.Close()
	var out []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SweepStaleExecutions fails executions stuck in_progress longer than
// threshold. It returns the ids it failed.
func (db *DB) SweepStaleExecutions(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE agent_executions
		 SET status = 'failed', error = 'stale: no progress within ' || $1::text, updated_at = now()
		 WHERE status = 'in_progress' AND updated_at < now() - $2 * interval '1 microsecond'
		 RETURNING id`,
		threshold.String(), threshold.Microseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: sweep stale executions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan swept executions: %w", err)
	}
	return ids, nil
}

// StrategyEffectiveness returns the observed average lift per root cause
// for root causes with at least minSamples measured executions.
func (db *DB) StrategyEffectiveness(ctx context.Context, minSamples int) ([]model.StrategyEffectiveness, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT root_cause, COUNT(*), AVG(lift_pct)
		 FROM agent_executions
		 WHERE lift_pct IS NOT NULL
		 GROUP BY root_cause
		 HAVING COUNT(*) >= $1
		 ORDER BY root_cause`,
		minSamples,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: strategy effectiveness: %w", err)
	}
	defer rows.Close()
	var out []model.StrategyEffectiveness
	for rows.Next() {
		var s model.StrategyEffectiveness
		if err := rows.Scan(&s.RootCause, &s.Samples, &s.AvgLiftPct); err != nil {
			return nil, fmt.Errorf("storage: scan effectiveness: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
