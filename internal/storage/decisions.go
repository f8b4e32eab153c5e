package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/mitoshi/internal/model"
)

func insertDecision(ctx context.Context, tx pgx.Tx, d model.AgentDecision) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_decisions (id, stage, subject_id, decision, reasoning, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		d.ID, string(d.Stage), d.SubjectID, d.Decision, d.Reasoning, d.Confidence,
	); err != nil {
		return fmt.Errorf("storage: insert decision: %w", err)
	}
	return nil
}

// RecordDecision writes a standalone audit decision, for stages that act
// without consuming a record (monitor, rollback).
func (db *DB) RecordDecision(ctx context.Context, d model.AgentDecision) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		return insertDecision(ctx, tx, d)
	})
}

// GetDecision returns one audit decision.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.AgentDecision, error) {
	var d model.AgentDecision
	err := db.pool.QueryRow(ctx,
		`SELECT id, stage, subject_id, decision, reasoning, confidence, created_at
		 FROM agent_decisions WHERE id = $1`, id,
	).Scan(&d.ID, &d.Stage, &d.SubjectID, &d.Decision, &d.Reasoning, &d.Confidence, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentDecision{}, ErrNotFound
		}
		return model.AgentDecision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// DecisionsForSubject returns the audit trail of one pipeline record.
func (db *DB) DecisionsForSubject(ctx context.Context, subjectID uuid.UUID) ([]model.AgentDecision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, stage, subject_id, decision, reasoning, confidence, created_at
		 FROM agent_decisions WHERE subject_id = $1 ORDER BY created_at`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	var out []model.AgentDecision
	for rows.Next() {
		var d model.AgentDecision
		if err := rows.Scan(&d.ID, &d.Stage, &d.SubjectID, &d.Decision, &d.Reasoning, &d.Confidence, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertFeedback stores human feedback on a decision. An unknown decision
// returns ErrNotFound.
func (db *DB) InsertFeedback(ctx context.Context, fb model.DecisionFeedback) (model.DecisionFeedback, error) {
	if !fb.Kind.Valid() {
		return model.DecisionFeedback{}, fmt.Errorf("%w: invalid feedback kind %q", model.ErrValidation, fb.Kind)
	}
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO decision_feedback (id, decision_id, kind, comment, submitted_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 RETURNING created_at`,
		fb.ID, fb.DecisionID, string(fb.Kind), fb.Comment, fb.SubmittedBy,
	).Scan(&fb.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.DecisionFeedback{}, ErrNotFound
		}
		return model.DecisionFeedback{}, fmt.Errorf("storage: insert feedback: %w", err)
	}
	return fb, nil
}

// FeedbackForDecision returns the feedback left on a decision, oldest first.
func (db *DB) FeedbackForDecision(ctx context.Context, decisionID uuid.UUID) ([]model.DecisionFeedback, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, decision_id, kind, comment, submitted_by, created_at
		 FROM decision_feedback WHERE decision_id = $1 ORDER BY created_at`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list feedback: %w", err)
	}
	defer rows.Close()

	var out []model.DecisionFeedback
	for rows.Next() {
		var fb model.DecisionFeedback
		if err := rows.Scan(&fb.ID, &fb.DecisionID, &fb.Kind, &fb.Comment, &fb.SubmittedBy, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}
