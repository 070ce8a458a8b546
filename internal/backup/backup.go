// Package backup writes and reads passphrase-encrypted alarm snapshots.
package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dukerupert/rouse/internal/model"
)

const snapshotVersion = 1

// Snapshot is the plaintext content of a backup file.
type Snapshot struct {
	Version    int           `json:"version"`
	ExportedAt time.Time     `json:"exported_at"`
	Alarms     []model.Alarm `json:"alarms"`
}

// Export encrypts alarms and writes them to w.
func Export(w io.Writer, alarms []model.Alarm, passphrase string, now time.Time) error {
	snap := Snapshot{
		Version:    snapshotVersion,
		ExportedAt: now.UTC(),
		Alarms:     alarms,
	}
	if snap.Alarms == nil {
		snap.Alarms = []model.Alarm{}
	}
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	sealed, err := Seal(plaintext, passphrase)
	if err != nil {
		return err
	}
	if _, err := w.Write(sealed); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// Import decrypts a backup written by Export. Every alarm is validated;
// identities and sync state are dropped so the alarms can be recreated.
func Import(r io.Reader, passphrase string) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	plaintext, err := Open(data, passphrase)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported backup version %d", snap.Version)
	}
	for i := range snap.Alarms {
		a := &snap.Alarms[i]
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("alarm %d (%s): %w", i, a.DisplayLabel(), err)
		}
		a.ID = ""
		a.RemoteID = nil
		a.SyncStatus = model.SyncLocal
	}
	return &snap, nil
}
