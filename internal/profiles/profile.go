package profiles

import (
	"strings"
	"time"
)

// Profile is the per-identity document holding the authorization role. A nil role
// means the default tier.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role        *string   `gorm:"column:role;size:32;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
