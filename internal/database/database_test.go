package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/database/models"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Verify database file was created.
	dbPath := filepath.Join(dir, "voxbridge.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify all tables exist.
	tables := []string{
		"schema_migrations", "accounts", "clients", "applications",
		"incoming_numbers", "registrations", "notifications", "call_records",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	// Open twice to verify migrations don't fail on re-run.
	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestClientRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	accounts := NewAccountRepository(db)
	acct := &models.Account{FriendlyName: "test account", Status: "active"}
	if err := accounts.Create(ctx, acct); err != nil {
		t.Fatalf("Create account: %v", err)
	}

	clients := NewClientRepository(db)
	c := &models.Client{
		AccountID:   acct.ID,
		Login:       "alice",
		Password:    "secret",
		Status:      "enabled",
		VoiceURL:    "http://apps.example.com/voice",
		VoiceMethod: "POST",
	}
	if err := clients.Create(ctx, c); err != nil {
		t.Fatalf("Create client: %v", err)
	}
	if c.ID == 0 {
		t.Fatal("client ID not set after Create")
	}

	got, err := clients.GetByLogin(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByLogin: %v", err)
	}
	if got == nil {
		t.Fatal("GetByLogin returned nil")
	}
	if got.Password != "secret" || got.VoiceURL != "http://apps.example.com/voice" {
		t.Errorf("unexpected client: %+v", got)
	}

	missing, err := clients.GetByLogin(ctx, "bob")
	if err != nil {
		t.Fatalf("GetByLogin(bob): %v", err)
	}
	if missing != nil {
		t.Error("GetByLogin for unknown login should return nil")
	}
}

func TestRegistrationRepositoryUpsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	regs := NewRegistrationRepository(db)

	reg := &models.Registration{
		User:       "alice",
		ContactURI: "sip:alice@203.0.113.5:5060",
		Transport:  "udp",
		TTL:        3600,
	}
	created, err := regs.Upsert(ctx, reg)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !created {
		t.Error("first Upsert should report created")
	}

	// Same user+contact refreshes, does not duplicate.
	created, err = regs.Upsert(ctx, reg)
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if created {
		t.Error("second Upsert should report refresh")
	}

	all, err := regs.GetByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByUser: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d registrations, want 1", len(all))
	}

	// A second contact for the same user is a new binding.
	reg2 := &models.Registration{
		User:       "alice",
		ContactURI: "sip:alice@198.51.100.7:5060",
		Transport:  "tcp",
		TTL:        600,
	}
	if created, err = regs.Upsert(ctx, reg2); err != nil || !created {
		t.Fatalf("Upsert second contact: created=%v err=%v", created, err)
	}

	count, err := regs.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2", count)
	}

	if err := regs.DeleteByUserAndContact(ctx, "alice", reg.ContactURI); err != nil {
		t.Fatalf("DeleteByUserAndContact: %v", err)
	}
	count, _ = regs.Count(ctx)
	if count != 1 {
		t.Errorf("Count after delete = %d, want 1", count)
	}
}

func TestRegistrationRepositoryListForReconcile(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	regs := NewRegistrationRepository(db)

	for _, reg := range []*models.Registration{
		{User: "alice", ContactURI: "sip:alice@203.0.113.5", Transport: "udp", TTL: 3600},
		{User: "bob", ContactURI: "sip:bob@203.0.113.6;transport=ws", Transport: "ws", TTL: 3600, WebRTC: true},
		{User: "carol", ContactURI: "sip:carol@203.0.113.7;transport=wss", Transport: "wss", TTL: 3600, WebRTC: true},
	} {
		if _, err := regs.Upsert(ctx, reg); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	all, err := regs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d bindings, want 3", len(all))
	}

	// Reconciliation reads the full list and removes one binding at a time.
	for _, reg := range all {
		if reg.TTL != 3600 {
			t.Errorf("binding %q lost its TTL: got %d", reg.ContactURI, reg.TTL)
		}
		if !reg.WebRTC {
			continue
		}
		if err := regs.DeleteByID(ctx, reg.ID); err != nil {
			t.Fatalf("DeleteByID(%d): %v", reg.ID, err)
		}
	}

	count, _ := regs.Count(ctx)
	if count != 1 {
		t.Errorf("Count after purge = %d, want 1", count)
	}
}

func TestRegistrationRepositoryTouch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	regs := NewRegistrationRepository(db)

	reg := &models.Registration{
		User: "alice", ContactURI: "sip:alice@203.0.113.5", Transport: "udp", TTL: 60,
	}
	if _, err := regs.Upsert(ctx, reg); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	before, err := regs.GetByUser(ctx, "alice")
	if err != nil || len(before) != 1 {
		t.Fatalf("GetByUser: %v (%d bindings)", err, len(before))
	}

	time.Sleep(1100 * time.Millisecond)
	if err := regs.Touch(ctx, before[0].ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	after, err := regs.GetByUser(ctx, "alice")
	if err != nil || len(after) != 1 {
		t.Fatalf("GetByUser after touch: %v (%d bindings)", err, len(after))
	}
	if !after[0].UpdatedAt.After(before[0].UpdatedAt) {
		t.Errorf("Touch did not advance updated_at: %v -> %v",
			before[0].UpdatedAt, after[0].UpdatedAt)
	}
	if !after[0].Expires().After(before[0].Expires()) {
		t.Errorf("Touch did not extend expiry: %v -> %v",
			before[0].Expires(), after[0].Expires())
	}
}

func TestIncomingNumberRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	accounts := NewAccountRepository(db)
	acct := &models.Account{FriendlyName: "test", Status: "active"}
	if err := accounts.Create(ctx, acct); err != nil {
		t.Fatalf("Create account: %v", err)
	}

	numbers := NewIncomingNumberRepository(db)
	num := &models.IncomingNumber{
		AccountID:   acct.ID,
		PhoneNumber: "+15551234567",
		VoiceURL:    "http://apps.example.com/ivr",
		VoiceMethod: "GET",
	}
	if err := numbers.Create(ctx, num); err != nil {
		t.Fatalf("Create number: %v", err)
	}

	got, err := numbers.GetByNumber(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("GetByNumber: %v", err)
	}
	if got == nil || got.VoiceURL != "http://apps.example.com/ivr" {
		t.Errorf("unexpected number: %+v", got)
	}

	missing, err := numbers.GetByNumber(ctx, "+15550000000")
	if err != nil {
		t.Fatalf("GetByNumber(missing): %v", err)
	}
	if missing != nil {
		t.Error("GetByNumber for unknown number should return nil")
	}
}

func TestCallRecordRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	records := NewCallRecordRepository(db)

	rec := &models.CallRecord{
		CallSid:   "CA-test-1",
		CallID:    "abc123@203.0.113.5",
		From:      "sip:alice@example.com",
		To:        "sip:bob@example.com",
		Direction: "client",
		Status:    models.CallStatusRinging,
		StartTime: time.Now().UTC(),
	}
	if err := records.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC()
	dur := 42
	rec.Status = models.CallStatusCompleted
	rec.AnswerTime = &now
	rec.EndTime = &now
	rec.Duration = &dur
	if err := records.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := records.GetByCallID(ctx, "abc123@203.0.113.5")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if got == nil {
		t.Fatal("GetByCallID returned nil")
	}
	if got.Status != models.CallStatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Duration == nil || *got.Duration != 42 {
		t.Errorf("Duration = %v, want 42", got.Duration)
	}

	second := &models.CallRecord{
		CallSid:   "CA-test-2",
		CallID:    "def456@203.0.113.5",
		From:      "sip:carol@example.com",
		To:        "sip:+15551230000@proxy.example.com",
		Direction: "outbound",
		Status:    models.CallStatusRinging,
		StartTime: time.Now().UTC(),
	}
	if err := records.Create(ctx, second); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	counts, err := records.CountByDirection(ctx)
	if err != nil {
		t.Fatalf("CountByDirection: %v", err)
	}
	if counts["client"] != 1 || counts["outbound"] != 1 {
		t.Errorf("CountByDirection = %v, want client=1 outbound=1", counts)
	}
}
