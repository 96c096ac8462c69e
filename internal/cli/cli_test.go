package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fairplay", cmd.Use)

	for _, name := range []string{"serve", "run", "seed"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)
	assert.Equal(t, "fairplay.yaml", cfgFlag.DefValue)
}

// workspace writes a sqlite-backed config and a seed file into a temp dir.
func workspace(t *testing.T) (cfgPath, seedPath string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath = filepath.Join(dir, "fairplay.yaml")
	seedPath = filepath.Join(dir, "seed.yaml")

	cfg := fmt.Sprintf(`
log_level: error
store:
  driver: sqlite
  path: %s
invites:
  organizer_email: events@example.org
  domain: example.org
  sink:
    type: outbox
    outbox_dir: %s
`, filepath.Join(dir, "fairplay.db"), filepath.Join(dir, "outbox"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	seed := `
users:
  - uid: ann
    email: ann@example.org
    display_name: Ann
    attendance_history:
      football: 2025-02-27T18:00:00Z
  - uid: bob
    email: bob@example.org
    display_name: Bob
  - uid: cid
    email: cid@example.org
series:
  - id: thursday
    group_id: football
    title: Thursday football
    spots: 2
    event_start: 2025-03-07T18:00:00Z
    duration: 90m
    registration_open: 2025-03-04T18:00:00Z
    list_reveal: 2025-03-06T18:00:00Z
    participants: [ann, bob, cid]
`
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o600))
	return cfgPath, seedPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func runJSON(t *testing.T, args ...string) runOutput {
	t.Helper()
	out, err := execute(t, args...)
	require.NoError(t, err, out)
	var res runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	return res
}

func TestSeedThenRunJobs(t *testing.T) {
	cfgPath, seedPath := workspace(t)

	out, err := execute(t, "--config", cfgPath, "--format", "json", "seed", seedPath)
	require.NoError(t, err, out)
	var seeded seedOutput
	require.NoError(t, json.Unmarshal([]byte(out), &seeded))
	assert.Equal(t, seedOutput{Users: 3, Series: 1, Instances: 1}, seeded)

	res := runJSON(t, "-c", cfgPath, "--format", "json", "run", "reveal", "--now", "2025-03-06T18:30:00Z")
	assert.Equal(t, "reveal", res.Job)
	assert.Equal(t, 1, res.Processed)

	res = runJSON(t, "-c", cfgPath, "--format", "json", "run", "reveal", "--now", "2025-03-06T18:45:00Z")
	assert.Equal(t, 0, res.Processed, "already revealed")

	res = runJSON(t, "-c", cfgPath, "--format", "json", "run", "invites", "--now", "2025-03-06T19:00:00Z")
	assert.Equal(t, 1, res.Processed)

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(cfgPath), "outbox"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	res = runJSON(t, "-c", cfgPath, "--format", "json", "run", "attendance", "--now", "2025-03-07T17:00:00Z")
	assert.Equal(t, 1, res.Processed)
}

func TestRun_TextOutput(t *testing.T) {
	cfgPath, _ := workspace(t)
	out, err := execute(t, "-c", cfgPath, "run", "reveal", "--now", "2025-03-06T18:30:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "reveal at 2025-03-06T18:30:00Z: processed 0")
}

func TestRun_Errors(t *testing.T) {
	cfgPath, _ := workspace(t)

	_, err := execute(t, "-c", cfgPath, "run", "laundry")
	assert.Error(t, err)

	_, err = execute(t, "-c", cfgPath, "run", "reveal", "--now", "yesterday")
	assert.Error(t, err)

	_, err = execute(t, "-c", cfgPath, "--format", "xml", "run", "reveal")
	assert.Error(t, err)
}

func TestSeed_BadFile(t *testing.T) {
	cfgPath, _ := workspace(t)
	dir := filepath.Dir(cfgPath)

	_, err := execute(t, "-c", cfgPath, "seed", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("series:\n  - group_id: g\n    spots: 0\n    event_start: 2025-03-07T18:00:00Z\n"), 0o600))
	_, err = execute(t, "-c", cfgPath, "seed", bad)
	assert.Error(t, err)
}
