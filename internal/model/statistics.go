package model

import "time"

// StatisticsUsers are the people attached to an instance, as reported by
// the instance itself.
type StatisticsUsers struct {
	SiteOwner   string   `json:"site_owner,omitempty"`
	SiteContact string   `json:"site_contact,omitempty"`
	EditAccess  []string `json:"edit_access,omitempty"`
}

// Statistics is the usage record an instance phones home into. One per
// site.
type Statistics struct {
	Meta
	Site               string          `json:"site"`
	DaysSinceLastEdit  *int            `json:"days_since_last_edit,omitempty"`
	DaysSinceLastLogin *int            `json:"days_since_last_login,omitempty"`
	Users              StatisticsUsers `json:"users"`
	NodesByType        map[string]int  `json:"nodes_by_type,omitempty"`
	NodesTotal         int             `json:"nodes_total"`
	// StatusActual is the status the instance last reported for itself.
	StatusActual SiteStatus `json:"status,omitempty"`
}

// InactiveStage orders the inactivity escalation.
type InactiveStage string

const (
	StageFirst    InactiveStage = "first"
	StageSecond   InactiveStage = "second"
	StageTakeDown InactiveStage = "take_down"
)

// EventTypeInactiveMail records an inactivity warning sent to a site
// owner.
const EventTypeInactiveMail = "inactive_mail"

// Event is an append-only audit record tied to a site.
type Event struct {
	Meta
	EventType string        `json:"event_type"`
	Stage     InactiveStage `json:"stage,omitempty"`
	Site      string        `json:"site"`
	Date      time.Time     `json:"date"`
}
