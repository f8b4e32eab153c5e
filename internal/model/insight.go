package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// EntityType is the kind of subject an Insight is about.
type EntityType string

const (
	EntityPage      EntityType = "page"
	EntityQuery     EntityType = "query"
	EntityDirectory EntityType = "directory"
	EntityProperty  EntityType = "property"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPage, EntityQuery, EntityDirectory, EntityProperty:
		return true
	}
	return false
}

// Category classifies an Insight.
type Category string

const (
	CategoryRisk        Category = "risk"
	CategoryOpportunity Category = "opportunity"
	CategoryTrend       Category = "trend"
	CategoryDiagnosis   Category = "diagnosis"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryRisk, CategoryOpportunity, CategoryTrend, CategoryDiagnosis:
		return true
	}
	return false
}

// Severity ranks how urgent a finding is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank returns 1 (low) to 3 (high), or 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// InsightStatus is the workflow state of an Insight. Only agents and the
// dispatcher move it; detection never does.
type InsightStatus string

const (
	InsightNew           InsightStatus = "new"
	InsightInvestigating InsightStatus = "investigating"
	InsightDiagnosed     InsightStatus = "diagnosed"
	InsightActioned      InsightStatus = "actioned"
	InsightResolved      InsightStatus = "resolved"
)

func (s InsightStatus) order() int {
	switch s {
	case InsightNew:
		return 1
	case InsightInvestigating:
		return 2
	case InsightDiagnosed:
		return 3
	case InsightActioned:
		return 4
	case InsightResolved:
		return 5
	}
	return 0
}

// Valid reports whether s is a known status.
func (s InsightStatus) Valid() bool { return s.order() > 0 }

// CheckInsightTransition enforces forward-only status movement. Moving to the
// current status is a no-op and allowed.
func CheckInsightTransition(from, to InsightStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown insight status %q", ErrValidation, to)
	}
	if to.order() < from.order() {
		return fmt.Errorf("%w: insight status cannot move from %s back to %s", ErrStateConflict, from, to)
	}
	return nil
}

// Insight is a deduplicated, persisted finding about one entity.
type Insight struct {
	ID              string         `json:"id"`
	Property        string         `json:"property"`
	EntityType      EntityType     `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Category        Category       `json:"category"`
	Severity        Severity       `json:"severity"`
	Confidence      float64        `json:"confidence"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Metrics         InsightMetrics `json:"metrics"`
	WindowDays      int            `json:"window_days"`
	Source          string         `json:"source"`
	Status          InsightStatus  `json:"status"`
	LinkedInsightID *string        `json:"linked_insight_id,omitempty"`
	GeneratedAt     time.Time      `json:"generated_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsOpen reports whether the insight still needs attention.
func (i Insight) IsOpen() bool {
	return i.Status != InsightResolved
}

// InsightDraft is a candidate finding emitted by a detector, before it is
// deduplicated into an Insight.
type InsightDraft struct {
	Property        string
	EntityType      EntityType
	EntityID        string
	Category        Category
	Severity        Severity
	Confidence      float64
	Title           string
	Description     string
	Metrics         InsightMetrics
	WindowDays      int
	Source          string
	LinkedInsightID *string
	GeneratedAt     time.Time
}

// Fingerprint returns the deterministic Insight id for a draft.
func (d InsightDraft) Fingerprint() string {
	return Fingerprint(d.Property, d.EntityType, d.EntityID, d.Category, d.Source, d.WindowDays)
}

// Fingerprint hashes the identity tuple of an Insight. It depends on these
// six values only, so re-running detection on unchanged input yields the
// same id regardless of metrics, severity or timestamps.
func Fingerprint(property string, entityType EntityType, entityID string, category Category, source string, windowDays int) string {
	key := strings.Join([]string{
		property,
		string(entityType),
		entityID,
		string(category),
		source,
		strconv.Itoa(windowDays),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Field length limits for draft text.
const (
	MaxEntityIDLen    = 2048
	MaxTitleLen       = 300
	MaxDescriptionLen = 8 * 1024
)

// TruncateUTF8 cuts s to at most n bytes without splitting a rune.
func TruncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// TruncateTitle cuts a title to MaxTitleLen bytes on a rune boundary.
func TruncateTitle(s string) string { return TruncateUTF8(s, MaxTitleLen) }

// ValidateInsightDraft rejects drafts with malformed fields.
func ValidateInsightDraft(d InsightDraft) error {
	switch {
	case strings.TrimSpace(d.Property) == "":
		return fmt.Errorf("%w: property is required", ErrValidation)
	case !d.EntityType.Valid():
		return fmt.Errorf("%w: invalid entity_type %q", ErrValidation, d.EntityType)
	case strings.TrimSpace(d.EntityID) == "":
		return fmt.Errorf("%w: entity_id is required", ErrValidation)
	case len(d.EntityID) > MaxEntityIDLen:
		return fmt.Errorf("%w: entity_id exceeds %d characters", ErrValidation, MaxEntityIDLen)
	case !d.Category.Valid():
		return fmt.Errorf("%w: invalid category %q", ErrValidation, d.Category)
	case !d.Severity.Valid():
		return fmt.Errorf("%w: invalid severity %q", ErrValidation, d.Severity)
	case d.Confidence < 0 || d.Confidence > 1:
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrValidation, d.Confidence)
	case d.WindowDays <= 0:
		return fmt.Errorf("%w: window_days must be positive", ErrValidation)
	case strings.TrimSpace(d.Source) == "":
		return fmt.Errorf("%w: source is required", ErrValidation)
	case len(d.Title) > MaxTitleLen:
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLen)
	case len(d.Description) > MaxDescriptionLen:
		return fmt.Errorf("%w: description exceeds %d bytes", ErrValidation, MaxDescriptionLen)
	}
	if d.Category == CategoryDiagnosis && d.LinkedInsightID == nil {
		return fmt.Errorf("%w: diagnosis insights must link to their origin", ErrValidation)
	}
	if err := d.Metrics.Validate(); err != nil {
		return err
	}
	return nil
}

// InsightFilter selects Insights for Query. Nil fields do not filter.
type InsightFilter struct {
	Category   *Category
	Severity   *Severity
	Status     *InsightStatus
	Property   *string
	EntityType *EntityType
	EntityID   *string
	Source     *string
	Limit      int
	Offset     int
}
