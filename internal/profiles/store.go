package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidUserID indicates an empty user identifier.
var ErrInvalidUserID = errors.New("profiles: invalid user id")

// StoreConfig describes the dependencies of the profile store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store reads and writes profile documents.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs the profile store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profiles: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// GetProfile returns the profile for the user, reporting false when none exists.
func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, bool, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, false, ErrInvalidUserID
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return profile, true, nil
}

// FetchRole implements roles.ProfileFetcher.
func (s *Store) FetchRole(ctx context.Context, userID string) (roles.Role, bool, error) {
	profile, found, err := s.GetProfile(ctx, userID)
	if err != nil || !found {
		return roles.RoleNone, found, err
	}
	return roles.FromNullable(profile.Role), true, nil
}

// RecordSignIn lazily creates the profile for the identity and refreshes its contact
// details. The role column is never touched.
func (s *Store) RecordSignIn(ctx context.Context, current identity.Identity) error {
	userID := normalize(current.ID)
	if userID == "" {
		return ErrInvalidUserID
	}
	profile := Profile{
		UserID:      userID,
		Email:       normalize(current.Email),
		DisplayName: normalize(current.DisplayName),
		LastSeenAt:  s.now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_email", "user_display_name", "last_seen_at", "updated_at"}),
	}).Create(&profile).Error
}

// AssignRole sets the role on the user's profile inside the given transaction,
// creating the profile when needed. It is the administrative write path.
func AssignRole(tx *gorm.DB, userID string, role roles.Role, now time.Time) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidUserID
	}
	var stored *string
	if !role.IsNone() {
		value := role.String()
		stored = &value
	}
	profile := Profile{UserID: userID, Role: stored, LastSeenAt: now.UTC()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
	}).Create(&profile).Error
}

// AssignRole sets the role outside of any caller transaction.
func (s *Store) AssignRole(ctx context.Context, userID string, role roles.Role) error {
	return AssignRole(s.db.WithContext(ctx), userID, role, s.now())
}
