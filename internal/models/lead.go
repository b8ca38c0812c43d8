package models

import "time"

// LeadStage is the pipeline position of a prospect. Stages only move
// forward through the ordering below; LOST is terminal and reachable from
// any non-terminal stage.
type LeadStage string

const (
	LeadStageNew            LeadStage = "NEW"
	LeadStageContacted      LeadStage = "CONTACTED"
	LeadStageTrialScheduled LeadStage = "TRIAL_SCHEDULED"
	LeadStageTrialAttended  LeadStage = "TRIAL_ATTENDED"
	LeadStageNegotiation    LeadStage = "NEGOTIATION"
	LeadStageConverted      LeadStage = "CONVERTED"
	LeadStageLost           LeadStage = "LOST"
)

var leadStageRank = map[LeadStage]int{
	LeadStageNew:            0,
	LeadStageContacted:      1,
	LeadStageTrialScheduled: 2,
	LeadStageTrialAttended:  3,
	LeadStageNegotiation:    4,
	LeadStageConverted:      5,
}

// PipelineStages lists the forward ordering, excluding LOST.
func PipelineStages() []LeadStage {
	return []LeadStage{
		LeadStageNew,
		LeadStageContacted,
		LeadStageTrialScheduled,
		LeadStageTrialAttended,
		LeadStageNegotiation,
		LeadStageConverted,
	}
}

// Valid reports whether the stage is a known pipeline value.
func (s LeadStage) Valid() bool {
	if s == LeadStageLost {
		return true
	}
	_, ok := leadStageRank[s]
	return ok
}

// Terminal reports whether no further transition is permitted.
func (s LeadStage) Terminal() bool {
	return s == LeadStageConverted || s == LeadStageLost
}

// CanMoveTo reports whether a staff-driven move from s to target follows an
// allowed edge: strictly forward along the pipeline, or to LOST from any
// non-terminal stage. CONVERTED is never reachable through a plain move;
// conversion runs through its own transaction.
func (s LeadStage) CanMoveTo(target LeadStage) bool {
	if s.Terminal() {
		return false
	}
	if target == LeadStageLost {
		return true
	}
	if target == LeadStageConverted {
		return false
	}
	from, ok := leadStageRank[s]
	if !ok {
		return false
	}
	to, ok := leadStageRank[target]
	if !ok {
		return false
	}
	return to > from
}

// LeadEvent identifies a pipeline trigger raised by another component.
type LeadEvent string

const (
	LeadEventTrialBooked   LeadEvent = "TRIAL_BOOKED"
	LeadEventTrialAttended LeadEvent = "TRIAL_ATTENDED"
	LeadEventConverted     LeadEvent = "CONVERTED"
	LeadEventLost          LeadEvent = "LOST"
)

// leadEventEdges maps each event to its permitted source stages and target.
var leadEventEdges = map[LeadEvent]struct {
	From   map[LeadStage]struct{}
	Target LeadStage
}{
	LeadEventTrialBooked: {
		From:   map[LeadStage]struct{}{LeadStageNew: {}, LeadStageContacted: {}},
		Target: LeadStageTrialScheduled,
	},
	LeadEventTrialAttended: {
		From:   map[LeadStage]struct{}{LeadStageTrialScheduled: {}},
		Target: LeadStageTrialAttended,
	},
	LeadEventConverted: {
		From:   map[LeadStage]struct{}{LeadStageTrialAttended: {}, LeadStageNegotiation: {}},
		Target: LeadStageConverted,
	},
	LeadEventLost: {
		From: map[LeadStage]struct{}{
			LeadStageNew: {}, LeadStageContacted: {}, LeadStageTrialScheduled: {},
			LeadStageTrialAttended: {}, LeadStageNegotiation: {},
		},
		Target: LeadStageLost,
	},
}

// NextStage resolves the target stage for an event from the given stage.
// The second return is false when the edge is not in the transition table.
func NextStage(from LeadStage, event LeadEvent) (LeadStage, bool) {
	edge, ok := leadEventEdges[event]
	if !ok {
		return "", false
	}
	if _, ok := edge.From[from]; !ok {
		return "", false
	}
	return edge.Target, true
}

// Lead is a prospective student captured before enrollment.
type Lead struct {
	ID                 string     `db:"id" json:"id"`
	OrganizationID     string     `db:"organization_id" json:"organization_id"`
	Name               string     `db:"name" json:"name"`
	Email              string     `db:"email" json:"email"`
	Phone              string     `db:"phone" json:"phone"`
	Stage              LeadStage  `db:"stage" json:"stage"`
	Source             string     `db:"source" json:"source"`
	Tags               *string    `db:"tags" json:"tags,omitempty"`
	Notes              *string    `db:"notes" json:"notes,omitempty"`
	ConvertedStudentID *string    `db:"converted_student_id" json:"converted_student_id,omitempty"`
	FirstContactAt     *time.Time `db:"first_contact_at" json:"first_contact_at,omitempty"`
	TrialScheduledAt   *time.Time `db:"trial_scheduled_at" json:"trial_scheduled_at,omitempty"`
	TrialAttendedAt    *time.Time `db:"trial_attended_at" json:"trial_attended_at,omitempty"`
	ConvertedAt        *time.Time `db:"converted_at" json:"converted_at,omitempty"`
	LostAt             *time.Time `db:"lost_at" json:"lost_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// LeadFilter provides filters for listing leads.
type LeadFilter struct {
	OrganizationID string
	Stage          LeadStage
	Search         string
	Page           int
	PageSize       int
	SortBy         string
	SortOrder      string
}

// PublicLeadInfo is the unauthenticated landing-page view of a lead.
type PublicLeadInfo struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Stage        LeadStage            `json:"stage"`
	Organization OrganizationBranding `json:"organization"`
}

// LeadActivityType categorises feed entries attached to a lead.
type LeadActivityType string

const (
	LeadActivityNote        LeadActivityType = "NOTE"
	LeadActivityStageChange LeadActivityType = "STAGE_CHANGE"
	LeadActivityTrialBooked LeadActivityType = "TRIAL_BOOKED"
	LeadActivityCheckIn     LeadActivityType = "CHECK_IN"
)

// LeadActivity is an append-only feed entry on a lead.
type LeadActivity struct {
	ID          string           `db:"id" json:"id"`
	LeadID      string           `db:"lead_id" json:"lead_id"`
	UserID      *string          `db:"user_id" json:"user_id,omitempty"`
	Type        LeadActivityType `db:"type" json:"type"`
	Title       string           `db:"title" json:"title"`
	Description string           `db:"description" json:"description"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

// FunnelStage is one row of the CRM pipeline report.
type FunnelStage struct {
	Stage      LeadStage `json:"stage"`
	Count      int       `json:"count"`
	Percentage float64   `json:"percentage"`
}
