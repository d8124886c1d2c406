package upgrades

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/audit"
	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"github.com/MarcoPoloResearchLab/homestead/internal/notify"
	"github.com/MarcoPoloResearchLab/homestead/internal/profiles"
	"github.com/MarcoPoloResearchLab/homestead/internal/realtime"
	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(_ context.Context, entry audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Enqueue(event notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

type harness struct {
	service    *Service
	db         *gorm.DB
	dispatcher *realtime.Dispatcher[Change]
	audit      *recordingAudit
	notifier   *recordingNotifier
	writes     *int
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Request{}, &profiles.Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	writes := 0
	err = db.Callback().Create().Before("gorm:create").Register("test:count_request_writes", func(tx *gorm.DB) {
		if tx.Statement.Table == "role_upgrade_requests" {
			writes++
		}
	})
	if err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}

	dispatcher := realtime.NewDispatcher[Change]()
	recorder := &recordingAudit{}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:  db,
		Clock:     func() time.Time { return fixedNow },
		Publisher: dispatcher,
		Feed:      dispatcher,
		Audit:     recorder,
		Notifier:  notifier,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return harness{service: service, db: db, dispatcher: dispatcher, audit: recorder, notifier: notifier, writes: &writes}
}

func verifiedIdentity(id string) *identity.Identity {
	return &identity.Identity{ID: id, Email: id + "@example.com", EmailVerified: true, DisplayName: "Jane Doe"}
}

func TestSubmitRejectsAnonymousCaller(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Submit(context.Background(), nil, Form{TargetRole: "owner", Reason: "need it"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if *h.writes != 0 {
		t.Fatalf("expected no writes, got %d", *h.writes)
	}
}

func TestSubmitRejectsBlankReasonWithoutWriting(t *testing.T) {
	h := newHarness(t)
	for _, reason := range []string{"", "   ", "\n\t"} {
		_, err := h.service.Submit(context.Background(), verifiedIdentity("u3"), Form{TargetRole: "owner", Reason: reason})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", reason, err)
		}
	}
	if *h.writes != 0 {
		t.Fatalf("expected zero writes, got %d", *h.writes)
	}
	if len(h.audit.entries) != 0 || len(h.notifier.events) != 0 {
		t.Fatalf("expected no side effects on validation failure")
	}
}

func TestSubmitRejectsNonElevatedTarget(t *testing.T) {
	h := newHarness(t)
	for _, target := range []string{"admin", "user", "", "landlord"} {
		_, err := h.service.Submit(context.Background(), verifiedIdentity("u3"), Form{TargetRole: target, Reason: "please"})
		var serviceErr *ServiceError
		if !errors.As(err, &serviceErr) || serviceErr.Code() != "upgrades.submit.invalid_target_role" {
			t.Fatalf("expected invalid target role for %q, got %v", target, err)
		}
	}
	if *h.writes != 0 {
		t.Fatalf("expected zero writes, got %d", *h.writes)
	}
}

func TestSubmitWritesSinglePendingMerge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stored, err := h.service.Submit(ctx, verifiedIdentity("u3"), Form{TargetRole: "owner", Reason: "  need to list my house  "})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if *h.writes != 1 {
		t.Fatalf("expected exactly one write, got %d", *h.writes)
	}
	if stored.Status != StatusPending || stored.Reason != "need to list my house" || stored.FullName != "Jane Doe" {
		t.Fatalf("unexpected stored request %#v", stored)
	}

	loaded, found, err := h.service.Get(ctx, "u3")
	if err != nil || !found {
		t.Fatalf("expected stored request, found=%v err=%v", found, err)
	}
	if loaded.Status != StatusPending || loaded.TargetRole != roles.RoleOwner {
		t.Fatalf("unexpected loaded request %#v", loaded)
	}
	if !loaded.RequestedAt.Equal(fixedNow) {
		t.Fatalf("expected server clock timestamp, got %v", loaded.RequestedAt)
	}

	if len(h.audit.entries) != 1 || h.audit.entries[0].Type != audit.TypeRoleUpgradeRequested {
		t.Fatalf("expected one audit entry, got %#v", h.audit.entries)
	}
	if len(h.notifier.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(h.notifier.events))
	}
	fields := h.notifier.events[0].Fields
	for _, name := range []string{"targetRole", "reason", "email", "fullName", "userId"} {
		if fields[name] == "" {
			t.Fatalf("notification missing %s: %#v", name, fields)
		}
	}
}

func TestResubmissionResetsStatusToPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.service.Submit(ctx, verifiedIdentity("u4"), Form{TargetRole: "agent", Reason: "first"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := h.service.Decide(ctx, "u4", Decision{Approve: false, DecidedBy: "admin-1"}); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if _, err := h.service.Submit(ctx, verifiedIdentity("u4"), Form{TargetRole: "owner", Reason: "second"}); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}

	var count int64
	h.db.Model(&Request{}).Where("user_id = ?", "u4").Count(&count)
	if count != 1 {
		t.Fatalf("expected a single request document, got %d", count)
	}
	loaded, _, _ := h.service.Get(ctx, "u4")
	if loaded.Status != StatusPending || loaded.TargetRole != roles.RoleOwner || loaded.Reason != "second" {
		t.Fatalf("expected merged pending request, got %#v", loaded)
	}
	if loaded.DecidedAt != nil || loaded.DecidedBy != "" {
		t.Fatalf("expected decision fields cleared, got %#v", loaded)
	}
}

func TestSubmitReportsWriteFailure(t *testing.T) {
	h := newHarness(t)
	if err := h.db.Migrator().DropTable(&Request{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}
	_, err := h.service.Submit(context.Background(), verifiedIdentity("u5"), Form{TargetRole: "owner", Reason: "why not"})
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if len(h.notifier.events) != 0 {
		t.Fatalf("expected no notification after a failed write")
	}
}

func TestWatchDeliversSnapshotThenPending(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, dispose, err := h.service.Watch(ctx, "u3")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer dispose()

	first := receiveChange(t, changes)
	if first.Request != nil {
		t.Fatalf("expected empty snapshot, got %#v", first.Request)
	}
	if view := View(roles.RoleNone, first.Request); view.Status != StatusNone || !view.CanSubmit {
		t.Fatalf("expected submit affordance with no request, got %#v", view)
	}

	if _, err := h.service.Submit(ctx, verifiedIdentity("u3"), Form{TargetRole: "owner", Reason: "need to list my house"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	second := receiveChange(t, changes)
	if second.Request == nil || second.Request.Status != StatusPending {
		t.Fatalf("expected pending change, got %#v", second)
	}
	view := View(roles.RoleUser, second.Request)
	if view.Status != StatusPending || view.CanSubmit {
		t.Fatalf("expected pending badge with submit disabled, got %#v", view)
	}
}

func TestWatchClosesOnDispose(t *testing.T) {
	h := newHarness(t)
	changes, dispose, err := h.service.Watch(context.Background(), "u6")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	receiveChange(t, changes)
	dispose()

	select {
	case _, ok := <-changes:
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected stream to close after dispose")
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.dispatcher.SubscriberCount("u6") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected feed subscription to be released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecideApprovalAssignsRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.service.Submit(ctx, verifiedIdentity("u7"), Form{TargetRole: "agent", Reason: "licensed agent"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	decided, err := h.service.Decide(ctx, "u7", Decision{Approve: true, DecidedBy: "admin-1"})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decided.Status != StatusApproved || decided.DecidedAt == nil {
		t.Fatalf("unexpected decision %#v", decided)
	}

	store, err := profiles.NewStore(profiles.StoreConfig{Database: h.db})
	if err != nil {
		t.Fatalf("failed to build profile store: %v", err)
	}
	role, found, err := store.FetchRole(ctx, "u7")
	if err != nil || !found || role != roles.RoleAgent {
		t.Fatalf("expected agent role on profile, got %q found=%v err=%v", role, found, err)
	}

	if _, err := h.service.Decide(ctx, "u7", Decision{Approve: false, DecidedBy: "admin-1"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected not pending on second decision, got %v", err)
	}
	if _, err := h.service.Decide(ctx, "missing", Decision{Approve: true, DecidedBy: "admin-1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDecideRejectionLeavesRoleUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.service.Submit(ctx, verifiedIdentity("u8"), Form{TargetRole: "owner", Reason: "please"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := h.service.Decide(ctx, "u8", Decision{Approve: false, DecidedBy: "admin-1"}); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	var count int64
	h.db.Model(&profiles.Profile{}).Where("user_id = ?", "u8").Count(&count)
	if count != 0 {
		t.Fatalf("expected no profile write on rejection")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.service.Submit(ctx, verifiedIdentity(id), Form{TargetRole: "owner", Reason: "r"}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	if _, err := h.service.Decide(ctx, "b", Decision{Approve: true, DecidedBy: "admin-1"}); err != nil {
		t.Fatalf("decide failed: %v", err)
	}

	pending, err := h.service.List(ctx, StatusPending, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected two pending requests, got %d", len(pending))
	}
	all, _ := h.service.List(ctx, StatusNone, 0)
	if len(all) != 3 {
		t.Fatalf("expected three requests, got %d", len(all))
	}
}

func receiveChange(t *testing.T, changes <-chan Change) Change {
	t.Helper()
	select {
	case change, ok := <-changes:
		if !ok {
			t.Fatal("change stream closed unexpectedly")
		}
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}
