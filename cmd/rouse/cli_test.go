package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dukerupert/rouse/internal/handler"
	"github.com/dukerupert/rouse/internal/model"
	"github.com/dukerupert/rouse/internal/recurrence"
)

// fakeDaemon serves the alarm routes from memory.
type fakeDaemon struct {
	mu     sync.Mutex
	alarms []model.Alarm
	next   int
}

func (d *fakeDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == "GET" && r.URL.Path == "/api/alarms":
		views := make([]handler.AlarmView, len(d.alarms))
		for i, a := range d.alarms {
			views[i] = handler.AlarmView{Alarm: a}
		}
		json.NewEncoder(w).Encode(views)
	case r.Method == "POST" && r.URL.Path == "/api/alarms":
		var a model.Alarm
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid JSON"})
			return
		}
		d.next++
		a.ID = "id-" + string(rune('0'+d.next))
		d.alarms = append(d.alarms, a)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(handler.AlarmView{Alarm: a})
	case r.Method == "POST" && r.URL.Path == "/api/sync/pull":
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "alarm not found"})
	}
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	flagConfigPath, flagAddr, flagJSON = "", "", false

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	base := []string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--addr", addr}
	cmd.SetArgs(append(base, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestDaemonURL(t *testing.T) {
	resolvedCfg.ListenAddr = "127.0.0.1:7420"
	for _, tc := range []struct{ addr, want string }{
		{"", "http://127.0.0.1:7420"},
		{":9000", "http://127.0.0.1:9000"},
		{"http://box:1/", "http://box:1"},
	} {
		flagAddr = tc.addr
		assert.Equal(t, tc.want, daemonURL(), "addr %q", tc.addr)
	}
	flagAddr = ""
}

func TestAddOptions(t *testing.T) {
	a, err := addOptions{days: "MO,FR", mission: "typing", sound: "birds.mp3", volume: 0.5}.alarm("06:30")
	require.NoError(t, err)
	assert.Equal(t, recurrence.TimeOfDay{Hour: 6, Minute: 30}, a.Time)
	assert.Equal(t, recurrence.DaysOf(time.Monday, time.Friday), a.RepeatDays)
	assert.Equal(t, model.Sound{Name: "birds", Ext: "mp3", Volume: 0.5}, a.Sound)

	_, err = addOptions{mission: "none", volume: 1}.alarm("25:00")
	assert.Error(t, err)
	_, err = addOptions{mission: "juggling", volume: 1}.alarm("07:00")
	assert.Error(t, err)
}

func TestPrintAlarms(t *testing.T) {
	now := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	next := now.Add(8 * time.Hour)
	var buf bytes.Buffer
	printAlarms(&buf, []handler.AlarmView{
		{Alarm: model.Alarm{ID: "a1", Time: recurrence.TimeOfDay{Hour: 6}, Enabled: true, Mission: model.MissionQuiz}, NextRing: &next},
		{Alarm: model.Alarm{ID: "a2", Time: recurrence.TimeOfDay{Hour: 9}, Label: "Late", Mission: model.MissionNone}},
	}, now)

	out := buf.String()
	assert.Contains(t, out, "8 hours from now")
	assert.Contains(t, out, "Late")
	assert.Contains(t, out, "off")

	buf.Reset()
	printAlarms(&buf, nil, now)
	assert.Equal(t, "No alarms.\n", buf.String())
}

func TestAlarmAddAndList(t *testing.T) {
	srv := httptest.NewServer(&fakeDaemon{})
	defer srv.Close()

	out, err := run(t, srv.URL, "alarm", "add", "07:15", "--days", "SA,SU", "--label", "Weekend")
	require.NoError(t, err)
	assert.Contains(t, out, "Created alarm id-1")

	out, err = run(t, srv.URL, "alarm", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Weekend")
	assert.Contains(t, out, "07:15")
}

func TestAPIErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeDaemon{})
	defer srv.Close()

	_, err := run(t, srv.URL, "alarm", "rm", "missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "alarm not found", apiErr.Message)

	_, err = run(t, srv.URL, "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "try again")
}

func TestExportImport(t *testing.T) {
	source := &fakeDaemon{alarms: []model.Alarm{
		{ID: "x1", Time: recurrence.TimeOfDay{Hour: 6}, RepeatDays: recurrence.DaysOf(time.Monday), Enabled: true, Label: "Gym", Mission: model.MissionArithmetic, SyncStatus: model.SyncSynced},
		{ID: "x2", Time: recurrence.TimeOfDay{Hour: 8, Minute: 45}, Enabled: false, Mission: model.MissionNone},
	}}
	src := httptest.NewServer(source)
	defer src.Close()

	dir := t.TempDir()
	passFile := filepath.Join(dir, "pass")
	require.NoError(t, os.WriteFile(passFile, []byte("correct horse\n"), 0o600))
	file := filepath.Join(dir, "alarms.rouse")

	out, err := run(t, src.URL, "export", file, "--passphrase-file", passFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 alarms")

	// Refuses to overwrite an existing backup.
	_, err = run(t, src.URL, "export", file, "--passphrase-file", passFile)
	assert.Error(t, err)

	target := &fakeDaemon{}
	dst := httptest.NewServer(target)
	defer dst.Close()

	wrong := filepath.Join(dir, "wrong")
	require.NoError(t, os.WriteFile(wrong, []byte("battery staple"), 0o600))
	_, err = run(t, dst.URL, "import", file, "--passphrase-file", wrong)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "wrong passphrase"))

	out, err = run(t, dst.URL, "import", file, "--passphrase-file", passFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 alarms")

	require.Len(t, target.alarms, 2)
	assert.Equal(t, "Gym", target.alarms[0].Label)
	assert.Equal(t, model.SyncLocal, target.alarms[0].SyncStatus)
	assert.False(t, target.alarms[1].Enabled)
}

func TestPassphraseRequired(t *testing.T) {
	t.Setenv(passphraseEnv, "")
	_, err := readPassphrase("")
	assert.ErrorContains(t, err, passphraseEnv)

	t.Setenv(passphraseEnv, "from-env")
	p, err := readPassphrase("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", p)
}

func TestPushKeys(t *testing.T) {
	out, err := run(t, "127.0.0.1:1", "push-keys")
	require.NoError(t, err)

	var doc struct {
		Push vapidKeys `yaml:"push"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Len(t, doc.Push.PublicKey, 87)
	assert.Len(t, doc.Push.PrivateKey, 43)
}
