// Package upgrades implements the role upgrade-request workflow: users submit a
// request, watch its status live, and administrators decide it.
package upgrades

import (
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
)

// Status is the lifecycle state of an upgrade request.
type Status string

const (
	// StatusNone is reported when the user has never submitted a request.
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is the single upgrade-request document a user may hold. Resubmission
// overwrites it.
type Request struct {
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null" json:"userId"`
	Email       string     `gorm:"column:email;size:320;not null" json:"email"`
	FullName    string     `gorm:"column:full_name;size:320;not null" json:"fullName"`
	TargetRole  roles.Role `gorm:"column:target_role;size:32;not null" json:"targetRole"`
	Reason      string     `gorm:"column:reason;type:text;not null" json:"reason"`
	Status      Status     `gorm:"column:status;size:16;not null;index" json:"status"`
	RequestedAt time.Time  `gorm:"column:requested_at;not null" json:"requestedAt"`
	DecidedAt   *time.Time `gorm:"column:decided_at" json:"decidedAt,omitempty"`
	DecidedBy   string     `gorm:"column:decided_by;size:190" json:"decidedBy,omitempty"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Request) TableName() string {
	return "role_upgrade_requests"
}

// Change is published whenever a user's request document is written.
type Change struct {
	UserID  string   `json:"userId"`
	Request *Request `json:"request"`
}

// Form carries the user-supplied part of a submission.
type Form struct {
	FullName   string `json:"fullName"`
	TargetRole string `json:"targetRole"`
	Reason     string `json:"reason"`
}

// Decision is an administrator's verdict on a pending request.
type Decision struct {
	Approve   bool
	DecidedBy string
}
