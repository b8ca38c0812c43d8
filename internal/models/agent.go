package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AgentInsightStatus is the review state of an AI-generated insight.
type AgentInsightStatus string

const (
	AgentInsightStatusPending   AgentInsightStatus = "PENDING"
	AgentInsightStatusApproved  AgentInsightStatus = "APPROVED"
	AgentInsightStatusDismissed AgentInsightStatus = "DISMISSED"
)

// AgentInsight is an AI-generated observation awaiting staff review. The
// generation itself happens outside this service; here insights only get
// listed, approved or dismissed.
type AgentInsight struct {
	ID             string             `db:"id" json:"id"`
	OrganizationID string             `db:"organization_id" json:"organization_id"`
	Agent          string             `db:"agent" json:"agent"`
	Title          string             `db:"title" json:"title"`
	Body           string             `db:"body" json:"body"`
	Severity       string             `db:"severity" json:"severity"`
	Status         AgentInsightStatus `db:"status" json:"status"`
	ReviewedBy     *string            `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time         `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
}

// AgentTaskStatus is the lifecycle of an agent-proposed task.
type AgentTaskStatus string

const (
	AgentTaskStatusPending   AgentTaskStatus = "PENDING"
	AgentTaskStatusApproved  AgentTaskStatus = "APPROVED"
	AgentTaskStatusScheduled AgentTaskStatus = "SCHEDULED"
	AgentTaskStatusExecuting AgentTaskStatus = "EXECUTING"
	AgentTaskStatusCompleted AgentTaskStatus = "COMPLETED"
	AgentTaskStatusFailed    AgentTaskStatus = "FAILED"
	AgentTaskStatusCancelled AgentTaskStatus = "CANCELLED"
)

// Terminal reports whether the task can no longer change state.
func (s AgentTaskStatus) Terminal() bool {
	return s == AgentTaskStatusCompleted || s == AgentTaskStatusCancelled
}

// AgentTask is a staff-reviewable action proposed by an agent, executed
// through the in-process job queue once approved.
type AgentTask struct {
	ID             string           `db:"id" json:"id"`
	OrganizationID string           `db:"organization_id" json:"organization_id"`
	InsightID      *string          `db:"insight_id" json:"insight_id,omitempty"`
	Agent          string           `db:"agent" json:"agent"`
	Action         string           `db:"action" json:"action"`
	Params         AgentTaskParams  `db:"params" json:"params"`
	Status         AgentTaskStatus  `db:"status" json:"status"`
	ScheduledFor   *time.Time       `db:"scheduled_for" json:"scheduled_for,omitempty"`
	ApprovedBy     *string          `db:"approved_by" json:"approved_by,omitempty"`
	ExecutedAt     *time.Time       `db:"executed_at" json:"executed_at,omitempty"`
	ErrorMessage   *string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// AgentTaskParams stores action options persisted as JSONB.
type AgentTaskParams map[string]string

// Value marshals params to JSON for persistence.
func (p AgentTaskParams) Value() (driver.Value, error) {
	if p == nil {
		p = AgentTaskParams{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal agent task params: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the params map.
func (p *AgentTaskParams) Scan(value interface{}) error {
	if value == nil {
		*p = AgentTaskParams{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for AgentTaskParams", value)
	}
	if len(data) == 0 {
		*p = AgentTaskParams{}
		return nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("unmarshal agent task params: %w", err)
	}
	return nil
}

// AgentTaskFilter narrows task listings.
type AgentTaskFilter struct {
	OrganizationID string
	Agent          string
	Status         AgentTaskStatus
	Page           int
	PageSize       int
}
