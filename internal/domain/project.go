package domain

import "time"

// Project statuses.
const (
	ProjectActive    = "active"
	ProjectArchived  = "archived"
	ProjectSuspended = "suspended"
)

// Project groups containers within an organization.
type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Description    string    `json:"description"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ValidProjectStatus reports whether status is a known project status.
func ValidProjectStatus(status string) bool {
	switch status {
	case ProjectActive, ProjectArchived, ProjectSuspended:
		return true
	}
	return false
}
