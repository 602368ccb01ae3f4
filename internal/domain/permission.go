package domain

import (
	"slices"
	"time"
)

// Actions that can be granted on a resource.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionDeploy = "deploy"
	ActionManage = "manage"
)

// Resource types that grants may target.
const (
	ResourceOrganization = "organization"
	ResourceProject      = "project"
	ResourceApplication  = "application"
	ResourceContainer    = "container"
)

var allActions = []string{ActionRead, ActionWrite, ActionDelete, ActionDeploy, ActionManage}

// AllActions returns every grantable action.
func AllActions() []string {
	return slices.Clone(allActions)
}

// ValidAction reports whether action is grantable.
func ValidAction(action string) bool {
	return slices.Contains(allActions, action)
}

// NormalizeResourceType maps aliases onto canonical types. It returns "" for unknown types.
func NormalizeResourceType(resourceType string) string {
	switch resourceType {
	case ResourceOrganization, ResourceProject, ResourceContainer:
		return resourceType
	case ResourceApplication:
		return ResourceContainer
	}
	return ""
}

// PermissionGrant links a user to a resource with a set of actions and an optional expiry.
type PermissionGrant struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Permissions  []string   `json:"permissions"`
	GrantedBy    string     `json:"granted_by"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the grant is past its expiry at now.
func (g PermissionGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Allows reports whether the grant is live at now and contains action.
func (g PermissionGrant) Allows(action string, now time.Time) bool {
	if g.Expired(now) {
		return false
	}
	return slices.Contains(g.Permissions, action)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Via     string `json:"via,omitempty"`
}

// Deny reasons surfaced to callers.
const (
	ReasonInsufficient    = "insufficient permission"
	ReasonNotFound        = "resource not found"
	ReasonInactiveActor   = "actor inactive"
	ReasonUnknownAction   = "unknown action"
	ReasonUnknownType     = "unknown resource type"
	ReasonLookupFailed    = "permission lookup failed"
	ReasonUnauthenticated = "authentication required"
)
