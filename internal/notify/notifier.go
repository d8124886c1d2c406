// Package notify sends transactional email when documents are created. Delivery is
// fire-and-forget: failures are logged and never retried.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/homestead/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind names the collection whose new document triggered the notification.
type Kind string

const (
	KindRoleUpgradeRequest Kind = "roleUpgradeRequests"
	KindContact            Kind = "contacts"
	KindComment            Kind = "comments"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
)

var (
	errMissingMailer    = errors.New("notify: mailer required")
	errUnknownKind      = errors.New("notify: unknown document kind")
	errMissingField     = errors.New("notify: document missing required field")
	errMissingRecipient = errors.New("notify: no recipient address")
)

// Event is a snapshot of a newly created document.
type Event struct {
	Kind       Kind
	DocumentID string
	Fields     map[string]string
}

// Enqueuer accepts events for asynchronous delivery.
type Enqueuer interface {
	Enqueue(event Event) bool
}

// Config configures a Notifier.
type Config struct {
	Mailer     Mailer
	AdminEmail string
	Workers    int
	QueueSize  int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Notifier composes and sends notification email from a bounded queue.
type Notifier struct {
	mailer     Mailer
	adminEmail string
	workers    int
	queue      chan Event
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewNotifier constructs a notifier; call Run to start its workers.
func NewNotifier(cfg Config) (*Notifier, error) {
	if cfg.Mailer == nil {
		return nil, errMissingMailer
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		mailer:     cfg.Mailer,
		adminEmail: strings.TrimSpace(cfg.AdminEmail),
		workers:    workers,
		queue:      make(chan Event, queueSize),
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Enqueue implements Enqueuer. It never blocks; a full queue drops the event.
func (n *Notifier) Enqueue(event Event) bool {
	select {
	case n.queue <- event:
		return true
	default:
		n.metrics.Notification(string(event.Kind), "dropped")
		n.logger.Warn("notification dropped: queue full",
			zap.String("kind", string(event.Kind)),
			zap.String("document_id", event.DocumentID))
		return false
	}
}

// Run delivers queued events until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for worker := 0; worker < n.workers; worker++ {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case event := <-n.queue:
					_ = n.Deliver(groupCtx, event)
				}
			}
		})
	}
	return group.Wait()
}

// Deliver composes and sends a single event synchronously. Errors are logged and
// returned for callers that want them; they are never retried.
func (n *Notifier) Deliver(ctx context.Context, event Event) error {
	logger := n.logger.With(
		zap.String("kind", string(event.Kind)),
		zap.String("document_id", event.DocumentID))

	message, err := n.Compose(event)
	if err != nil {
		n.metrics.Notification(string(event.Kind), "skipped")
		logger.Warn("notification skipped", zap.Error(err))
		return err
	}
	if err := n.mailer.Send(ctx, message); err != nil {
		n.metrics.Notification(string(event.Kind), "failed")
		logger.Error("notification send failed", zap.Error(err))
		return err
	}
	n.metrics.Notification(string(event.Kind), "sent")
	logger.Info("notification sent", zap.String("to", message.To))
	return nil
}

// Compose resolves the recipient and renders the message for the event.
func (n *Notifier) Compose(event Event) (Message, error) {
	switch event.Kind {
	case KindRoleUpgradeRequest:
		return n.composeRoleUpgrade(event)
	case KindContact:
		return composeContact(event)
	case KindComment:
		return composeComment(event)
	default:
		return Message{}, fmt.Errorf("%w: %q", errUnknownKind, event.Kind)
	}
}

func (n *Notifier) composeRoleUpgrade(event Event) (Message, error) {
	values, err := requireFields(event, "userId", "email", "fullName", "targetRole", "reason")
	if err != nil {
		return Message{}, err
	}
	if n.adminEmail == "" {
		return Message{}, errMissingRecipient
	}
	var body strings.Builder
	fmt.Fprintf(&body, "%s (%s) asked to become %s.\n\n", values["fullName"], values["email"], values["targetRole"])
	fmt.Fprintf(&body, "Reason:\n%s\n\n", values["reason"])
	fmt.Fprintf(&body, "User id: %s\n", values["userId"])
	return Message{
		To:       n.adminEmail,
		Subject:  fmt.Sprintf("Role upgrade request: %s wants %s", values["fullName"], values["targetRole"]),
		TextBody: body.String(),
	}, nil
}

func composeContact(event Event) (Message, error) {
	values, err := requireFields(event, "ownerEmail", "listingId", "name", "email", "message")
	if err != nil {
		return Message{}, err
	}
	var body strings.Builder
	fmt.Fprintf(&body, "%s <%s> sent an inquiry about listing %s.\n\n", values["name"], values["email"], values["listingId"])
	if phone := strings.TrimSpace(event.Fields["phone"]); phone != "" {
		fmt.Fprintf(&body, "Phone: %s\n\n", phone)
	}
	fmt.Fprintf(&body, "%s\n", values["message"])
	return Message{
		To:       values["ownerEmail"],
		Subject:  fmt.Sprintf("New inquiry about listing %s", values["listingId"]),
		TextBody: body.String(),
	}, nil
}

func composeComment(event Event) (Message, error) {
	values, err := requireFields(event, "ownerEmail", "listingId", "authorName", "text")
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:       values["ownerEmail"],
		Subject:  fmt.Sprintf("New comment on listing %s", values["listingId"]),
		TextBody: fmt.Sprintf("%s commented:\n\n%s\n", values["authorName"], values["text"]),
	}, nil
}

func requireFields(event Event, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for _, name := range names {
		value := strings.TrimSpace(event.Fields[name])
		if value == "" {
			if name == "ownerEmail" {
				return nil, errMissingRecipient
			}
			return nil, fmt.Errorf("%w: %s", errMissingField, name)
		}
		values[name] = value
	}
	return values, nil
}
