package audit

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestSinkPersistsAndLogs(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:audit-persist?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewSink(SinkConfig{
		Database: db,
		Logger:   zap.New(core),
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})

	sink.Record(context.Background(), Entry{
		Type:       TypeRoleUpgradeRequested,
		Message:    "role upgrade requested",
		UserID:     "u3",
		TargetRole: "owner",
		Reason:     "need to list my house",
		Context:    "role-requests",
		Extra:      map[string]any{"fullName": "Jane Doe"},
	})

	events, err := sink.List(context.Background(), "u3", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].TargetRole != "owner" || events[0].ExtraJSON != `{"fullName":"Jane Doe"}` {
		t.Fatalf("unexpected event %#v", events[0])
	}
	if logs.FilterMessage("role upgrade requested").Len() != 1 {
		t.Fatalf("expected mirrored log entry")
	}
}

func TestSinkSwallowsPersistenceFailures(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:audit-unmigrated?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewSink(SinkConfig{Database: db, Logger: zap.New(core)})

	sink.Record(context.Background(), Entry{Type: TypeSessionSignedIn, Message: "signed in", UserID: "u1"})

	entries := logs.FilterMessage("audit event persist failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected a warn entry for the failed write, got %d", len(entries))
	}
}

func TestLogOnlySink(t *testing.T) {
	sink := NewSink(SinkConfig{})
	sink.Record(context.Background(), Entry{Type: TypeSessionSignedOut, Message: "signed out"})
	events, err := sink.List(context.Background(), "u1", 0)
	if err != nil || events != nil {
		t.Fatalf("expected empty list from log-only sink, got %v %v", events, err)
	}
}
