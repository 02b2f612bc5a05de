package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buyrs/BM-sub005/internal/domain"
)

func runCLI(t *testing.T, workspace string, args ...string) []byte {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--workspace", workspace, "--actor-id", "ops-1", "--log-level", "error"}, args...))
	require.NoError(t, root.Execute(), out.String())
	return out.Bytes()
}

func TestBailCreateAndList(t *testing.T) {
	ws := t.TempDir()

	var bm domain.BailMobilite
	out := runCLI(t, ws, "--json", "bail", "create", "--start", "2025-02-01", "--end", "2025-02-28", "--tenant", "Jeanne Martin")
	require.NoError(t, json.Unmarshal(out, &bm))
	require.Equal(t, domain.BailAssigned, bm.Status)
	require.Equal(t, "ops-1", bm.OpsUserID)

	var listed []domain.BailMobilite
	out = runCLI(t, ws, "--json", "bail", "list", "--status", "assigned")
	require.NoError(t, json.Unmarshal(out, &listed))
	require.Len(t, listed, 1)
	require.Equal(t, bm.ID, listed[0].ID)

	var m domain.Mission
	out = runCLI(t, ws, "--json", "mission", "assign", bm.ID, "entry", "--checker", "chk-7", "--at", "2025-02-01 10:00")
	require.NoError(t, json.Unmarshal(out, &m))
	require.Equal(t, domain.MissionAssigned, m.Status)
	require.True(t, m.ScheduledAt.Equal(time.Date(2025, 2, 1, 10, 0, 0, 0, time.Local)), m.ScheduledAt.String())

	table := runCLI(t, ws, "log", "tail", "--type", "bail.created")
	require.Contains(t, string(table), "bail.created")
}

func TestBailCreateRejectsBadDates(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--workspace", t.TempDir(), "--log-level", "error", "bail", "create", "--start", "2025-02-28", "--end", "2025-02-01", "--tenant", "X"})
	err := root.Execute()
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestParseWhen(t *testing.T) {
	base := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC) // a Monday

	got, err := parseWhen("2025-03-01T10:30:00Z", base)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC), got)

	got, err = parseWhen("2025-03-01 08:00", base)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), got)

	got, err = parseWhen("tomorrow", base)
	require.NoError(t, err)
	require.Equal(t, 21, got.Day())

	_, err = parseWhen("qzx", base)
	require.Error(t, err)
}

func TestParseMeta(t *testing.T) {
	m, err := parseMeta([]string{"channel=sms", "provider=twilio"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"channel": "sms", "provider": "twilio"}, m)

	_, err = parseMeta([]string{"broken"})
	require.Error(t, err)
}
