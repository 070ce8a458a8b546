package backup

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
)

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}
	if len(salt1) != saltSize {
		t.Errorf("salt length = %d, want %d", len(salt1), saltSize)
	}

	salt2, _ := GenerateSalt()
	if bytes.Equal(salt1, salt2) {
		t.Error("two salts should not be equal")
	}
}

func TestDeriveKeyDeterminism(t *testing.T) {
	salt := []byte("1234567890abcdef")

	key1 := DeriveKey("mypassphrase", salt)
	key2 := DeriveKey("mypassphrase", salt)
	if !bytes.Equal(key1, key2) {
		t.Error("same passphrase+salt should produce same key")
	}
	if len(key1) != keySize {
		t.Errorf("key length = %d, want %d", len(key1), keySize)
	}
	if bytes.Equal(key1, DeriveKey("other", salt)) {
		t.Error("different passphrases should produce different keys")
	}
}

func TestSealOpen(t *testing.T) {
	plaintext := []byte(`{"alarms":[]}`)

	sealed, err := Seal(plaintext, "correct horse")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed output contains plaintext")
	}

	got, err := Open(sealed, "correct horse")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("open = %q, want %q", got, plaintext)
	}

	if _, err := Open(sealed, "battery staple"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("wrong passphrase: err = %v", err)
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := Open(tampered, "correct horse"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("tampered: err = %v", err)
	}

	if _, err := Open([]byte("SQLite format 3"), "correct horse"); !errors.Is(err, ErrNotBackup) {
		t.Errorf("foreign file: err = %v", err)
	}
	if _, err := Seal(plaintext, ""); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("empty passphrase: err = %v", err)
	}
}

func TestExportImport(t *testing.T) {
	rid := int64(12)
	alarms := []model.Alarm{
		{
			ID:         "6f1c",
			RemoteID:   &rid,
			Time:       recurrence.TimeOfDay{Hour: 6, Minute: 30},
			RepeatDays: recurrence.DaysOf(time.Monday, time.Friday),
			Enabled:    true,
			Label:      "Gym",
			Mission:    model.MissionTyping,
			Sound:      model.Sound{Name: "birds", Ext: "mp3", Volume: 0.5},
			SyncStatus: model.SyncSynced,
		},
		{
			ID:      "9a2e",
			Time:    recurrence.TimeOfDay{Hour: 22},
			Mission: model.MissionNone,
		},
	}
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	if err := Export(&buf, alarms, "pass", now); err != nil {
		t.Fatalf("export: %v", err)
	}

	snap, err := Import(&buf, "pass")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !snap.ExportedAt.Equal(now) {
		t.Errorf("exported at = %v", snap.ExportedAt)
	}
	if len(snap.Alarms) != 2 {
		t.Fatalf("alarms = %d, want 2", len(snap.Alarms))
	}
	got := snap.Alarms[0]
	if got.ID != "" || got.RemoteID != nil || got.SyncStatus != model.SyncLocal {
		t.Errorf("identity not cleared: %+v", got)
	}
	if !got.SameContent(alarms[0]) {
		t.Errorf("content changed: %+v", got)
	}
}

func TestImportRejectsInvalidAlarm(t *testing.T) {
	var buf bytes.Buffer
	bad := []model.Alarm{{Time: recurrence.TimeOfDay{Hour: 7}, Mission: "juggling"}}
	if err := Export(&buf, bad, "pass", time.Now()); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := Import(&buf, "pass"); err == nil {
		t.Fatal("expected validation error")
	}
}
