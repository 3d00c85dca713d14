package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestNextPrintsZoneLocalInstants(t *testing.T) {
	out, err := execute(t, "next", "--cron", "0 0 9 * * *", "--zone", "Europe/Moscow", "-n", "2", "--from", "2024-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, []string{"2024-01-01T09:00:00+03:00", "2024-01-02T09:00:00+03:00"}, strings.Fields(out))
}

func TestNextRejectsBadInput(t *testing.T) {
	_, err := execute(t, "next", "--cron", "0 0 9 * *")
	require.Error(t, err)

	_, err = execute(t, "next", "--cron", "0 0 9 * * *", "--zone", "Mars/Olympus")
	require.Error(t, err)

	_, err = execute(t, "next", "--cron", "0 0 9 * * *", "--from", "yesterday")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
tasks:
  - { name: a, kind: fixed_delay, delay: 1s, job: sleep, args: { duration: 2s } }
`), 0o600))
	out, err := execute(t, "validate", "--config", good)
	require.NoError(t, err)
	require.Contains(t, out, "ok: 1 task(s)")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
tasks:
  - { name: a, kind: cron, cron: "0 0 9 * *", job: sleep }
`), 0o600))
	_, err = execute(t, "validate", "--config", bad)
	require.Error(t, err)
}
