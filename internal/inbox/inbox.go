// Package inbox stores listings with their owners, visitor inquiries and listing
// comments, and hands each new inquiry or comment to the notifier for delivery to
// the owner recorded on the listing.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"github.com/MarcoPoloResearchLab/homestead/internal/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrValidation indicates a rejected document; nothing was written.
	ErrValidation = errors.New("inbox: invalid document")
	// ErrListingNotFound indicates the addressed listing does not exist.
	ErrListingNotFound = errors.New("inbox: listing not found")
	// ErrUnauthorized indicates a caller without a usable identity.
	ErrUnauthorized = errors.New("inbox: unauthorized")

	errMissingDatabase = errors.New("inbox: database handle is required")
)

// Listing is a property published by an owner or agent. Inquiries and comments
// are delivered to OwnerEmail.
type Listing struct {
	ID         string    `gorm:"column:listing_id;primaryKey;size:64;not null" json:"id"`
	OwnerID    string    `gorm:"column:owner_id;size:190;not null;index" json:"ownerId"`
	OwnerEmail string    `gorm:"column:owner_email;size:320;not null" json:"-"`
	Title      string    `gorm:"column:title;size:320;not null" json:"title"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (Listing) TableName() string {
	return "listings"
}

// Contact is an inquiry sent to a listing owner.
type Contact struct {
	ID         string    `gorm:"column:contact_id;primaryKey;size:64;not null" json:"id"`
	ListingID  string    `gorm:"column:listing_id;size:190;not null;index" json:"listingId"`
	OwnerEmail string    `gorm:"column:owner_email;size:320;not null" json:"-"`
	Name       string    `gorm:"column:name;size:320;not null" json:"name"`
	Email      string    `gorm:"column:email;size:320;not null" json:"email"`
	Phone      string    `gorm:"column:phone;size:64" json:"phone,omitempty"`
	Message    string    `gorm:"column:message;type:text;not null" json:"message"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Comment is a public comment left on a listing.
type Comment struct {
	ID         string    `gorm:"column:comment_id;primaryKey;size:64;not null" json:"id"`
	ListingID  string    `gorm:"column:listing_id;size:190;not null;index" json:"listingId"`
	OwnerEmail string    `gorm:"column:owner_email;size:320;not null" json:"-"`
	AuthorID   string    `gorm:"column:author_id;size:190;not null" json:"authorId"`
	AuthorName string    `gorm:"column:author_name;size:320;not null" json:"authorName"`
	Text       string    `gorm:"column:text;type:text;not null" json:"text"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

func (Comment) TableName() string {
	return "listing_comments"
}

// ListingInput is the submitted listing form.
type ListingInput struct {
	Title string `json:"title"`
}

// ContactInput is the submitted inquiry form. The recipient is always the owner
// stored on the listing.
type ContactInput struct {
	ListingID string `json:"-"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Message   string `json:"message"`
}

// CommentInput is the submitted comment form.
type CommentInput struct {
	ListingID  string `json:"-"`
	AuthorID   string `json:"-"`
	AuthorName string `json:"authorName"`
	Text       string `json:"text"`
}

type Config struct {
	Database *gorm.DB
	Notifier notify.Enqueuer
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db       *gorm.DB
	notifier notify.Enqueuer
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, notifier: cfg.Notifier, now: clock, logger: logger}, nil
}

// CreateListing records a listing owned by the signed-in identity.
func (s *Service) CreateListing(ctx context.Context, owner *identity.Identity, input ListingInput) (Listing, error) {
	if owner == nil || !owner.Valid() {
		return Listing{}, ErrUnauthorized
	}
	listing := Listing{
		OwnerID:    owner.ID,
		OwnerEmail: strings.TrimSpace(owner.Email),
		Title:      strings.TrimSpace(input.Title),
	}
	if err := requireNonEmpty(map[string]string{"title": listing.Title}); err != nil {
		return Listing{}, err
	}
	if err := requireAddress("owner email", listing.OwnerEmail); err != nil {
		return Listing{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Listing{}, fmt.Errorf("inbox: generate id: %w", err)
	}
	listing.ID = id.String()
	listing.CreatedAt = s.now().UTC()
	if err := s.db.WithContext(ctx).Create(&listing).Error; err != nil {
		s.logger.Error("listing write failed", zap.String("owner_id", listing.OwnerID), zap.Error(err))
		return Listing{}, fmt.Errorf("inbox: create listing: %w", err)
	}
	return listing, nil
}

// GetListing loads a listing by id.
func (s *Service) GetListing(ctx context.Context, listingID string) (Listing, error) {
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return Listing{}, ErrListingNotFound
	}
	var listing Listing
	err := s.db.WithContext(ctx).Where("listing_id = ?", listingID).Take(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Listing{}, ErrListingNotFound
	}
	if err != nil {
		return Listing{}, fmt.Errorf("inbox: load listing: %w", err)
	}
	return listing, nil
}

// CreateContact stores the inquiry and queues the owner notification.
func (s *Service) CreateContact(ctx context.Context, input ContactInput) (Contact, error) {
	contact := Contact{
		ListingID:  strings.TrimSpace(input.ListingID),
		Name:       strings.TrimSpace(input.Name),
		Email:      strings.TrimSpace(input.Email),
		Phone:      strings.TrimSpace(input.Phone),
		Message:    strings.TrimSpace(input.Message),
	}
	if err := requireNonEmpty(map[string]string{
		"listingId": contact.ListingID,
		"name":      contact.Name,
		"message":   contact.Message,
	}); err != nil {
		return Contact{}, err
	}
	if err := requireAddress("email", contact.Email); err != nil {
		return Contact{}, err
	}
	listing, err := s.GetListing(ctx, contact.ListingID)
	if err != nil {
		return Contact{}, err
	}
	contact.OwnerEmail = listing.OwnerEmail

	id, err := uuid.NewV7()
	if err != nil {
		return Contact{}, fmt.Errorf("inbox: generate id: %w", err)
	}
	contact.ID = id.String()
	contact.CreatedAt = s.now().UTC()
	if err := s.db.WithContext(ctx).Create(&contact).Error; err != nil {
		s.logger.Error("contact write failed", zap.String("listing_id", contact.ListingID), zap.Error(err))
		return Contact{}, fmt.Errorf("inbox: create contact: %w", err)
	}

	s.enqueue(notify.Event{
		Kind:       notify.KindContact,
		DocumentID: contact.ID,
		Fields: map[string]string{
			"ownerEmail": contact.OwnerEmail,
			"listingId":  contact.ListingID,
			"name":       contact.Name,
			"email":      contact.Email,
			"phone":      contact.Phone,
			"message":    contact.Message,
		},
	})
	return contact, nil
}

// CreateComment stores the comment and queues the owner notification.
func (s *Service) CreateComment(ctx context.Context, input CommentInput) (Comment, error) {
	comment := Comment{
		ListingID:  strings.TrimSpace(input.ListingID),
		AuthorID:   strings.TrimSpace(input.AuthorID),
		AuthorName: strings.TrimSpace(input.AuthorName),
		Text:       strings.TrimSpace(input.Text),
	}
	if err := requireNonEmpty(map[string]string{
		"listingId":  comment.ListingID,
		"authorId":   comment.AuthorID,
		"authorName": comment.AuthorName,
		"text":       comment.Text,
	}); err != nil {
		return Comment{}, err
	}
	listing, err := s.GetListing(ctx, comment.ListingID)
	if err != nil {
		return Comment{}, err
	}
	comment.OwnerEmail = listing.OwnerEmail

	id, err := uuid.NewV7()
	if err != nil {
		return Comment{}, fmt.Errorf("inbox: generate id: %w", err)
	}
	comment.ID = id.String()
	comment.CreatedAt = s.now().UTC()
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logger.Error("comment write failed", zap.String("listing_id", comment.ListingID), zap.Error(err))
		return Comment{}, fmt.Errorf("inbox: create comment: %w", err)
	}

	s.enqueue(notify.Event{
		Kind:       notify.KindComment,
		DocumentID: comment.ID,
		Fields: map[string]string{
			"ownerEmail": comment.OwnerEmail,
			"listingId":  comment.ListingID,
			"authorName": comment.AuthorName,
			"text":       comment.Text,
		},
	})
	return comment, nil
}

// ListComments returns the listing's comments, oldest first.
func (s *Service) ListComments(ctx context.Context, listingID string) ([]Comment, error) {
	var comments []Comment
	err := s.db.WithContext(ctx).
		Where("listing_id = ?", strings.TrimSpace(listingID)).
		Order("created_at ASC").
		Find(&comments).Error
	return comments, err
}

func (s *Service) enqueue(event notify.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Enqueue(event)
}

func requireNonEmpty(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, name)
		}
	}
	return nil
}

func requireAddress(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, name)
	}
	if _, err := mail.ParseAddress(value); err != nil {
		return fmt.Errorf("%w: %s is not an email address", ErrValidation, name)
	}
	return nil
}
