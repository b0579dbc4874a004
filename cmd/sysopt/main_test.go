package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zph/sysopt/pkg/apply"
	"github.com/zph/sysopt/pkg/logger"
	"github.com/zph/sysopt/pkg/paths"
	"github.com/zph/sysopt/pkg/revert"
)

const testCatalog = `
optimizations:
  - id: 0b5f8e7a-2c4d-4e6f-8a1b-3c5d7e9f1a2b
    key: disable-diagtrack
    name: Disable DiagTrack
    actions:
      - type: service_startup
        service: DiagTrack
        startup: disabled
  - id: 7d6c5b4a-3e2f-4a1b-9c8d-7e6f5a4b3c2d
    key: disable-game-dvr
    name: Disable Game DVR
    actions:
      - type: registry_set
        root: HKCU
        key: System\GameConfigStore
        value: GameDVR_Enabled
        value_type: REG_DWORD
        data: "0"
      - type: file_delete
        path: /var/tmp/sysopt-game-dvr-cache
`

// execute runs the root command with flag variables reset. Log output is
// kept apart from command output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithInput(t, "", args...)
}

func executeWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	configPath, dataDir, logLevel = "", "", ""
	simulate, simulateScenario, simulateVerbose = false, "", false
	applyAll, applyYes, discardYes = false, false, false
	revertRetries, unlockForce = 0, false
	outputFormat, historyLimit = "text", 20

	var out, logs bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&logs)
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0644))
	return path
}

func statusRows(t *testing.T, data string) []appliedSummary {
	t.Helper()
	out, err := execute(t, "--data-dir", data, "status", "--format", "json")
	require.NoError(t, err)

	var doc struct {
		Applied []appliedSummary `json:"applied"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	return doc.Applied
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sysopt dev")
}

func TestApply_RequiresKeysOrAll(t *testing.T) {
	cat := writeCatalog(t)

	_, err := execute(t, "apply", cat)
	assert.EqualError(t, err, "specify optimization keys or --all")

	_, err = execute(t, "apply", cat, "disable-diagtrack", "--all")
	assert.EqualError(t, err, "--all cannot be combined with optimization keys")
}

func TestApply_UnknownKey(t *testing.T) {
	cat := writeCatalog(t)
	_, err := execute(t, "--simulate", "apply", cat, "no-such-thing")
	assert.EqualError(t, err, "unknown optimization(s): no-such-thing")
}

func TestApply_SimulatedRecordsRevertLogs(t *testing.T) {
	data := t.TempDir()
	cat := writeCatalog(t)

	out, err := execute(t, "--data-dir", data, "--simulate", "apply", cat, "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "[SIMULATION] Applying 2 optimization(s)")
	assert.Contains(t, out, "✅ All optimizations applied")
	assert.Contains(t, out, "file_delete")

	rows := statusRows(t, data)
	require.Len(t, rows, 2)
	keys := []string{rows[0].Key, rows[1].Key}
	assert.ElementsMatch(t, []string{"disable-diagtrack", "disable-game-dvr"}, keys)
	for _, row := range rows {
		assert.True(t, row.Trusted)
	}

	// A second apply leaves recorded optimizations alone
	out, err = execute(t, "--data-dir", data, "--simulate", "apply", cat, "disable-diagtrack")
	require.NoError(t, err)
	assert.Contains(t, out, "Disable DiagTrack is already applied")
	assert.Contains(t, out, "Nothing to apply")

	out, err = execute(t, "--data-dir", data, "history", "--format", "json")
	require.NoError(t, err)
	var history struct {
		Runs []struct {
			Status    string `json:"status"`
			Simulated bool   `json:"simulated"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history.Runs, 1)
	assert.Equal(t, "completed", history.Runs[0].Status)
	assert.True(t, history.Runs[0].Simulated)
}

func TestApply_FailureExitsNonZero(t *testing.T) {
	data := t.TempDir()
	cat := writeCatalog(t)
	scenario := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(scenario, []byte(`
simulation:
  failures:
    - operation: service_startup
      target: DiagTrack
      error: "access denied"
`), 0644))

	out, err := execute(t, "--data-dir", data, "--simulate", "--simulate-scenario", scenario, "apply", cat, "--all")
	assert.EqualError(t, err, "1 optimization(s) failed")
	assert.Contains(t, out, "❌ Disable DiagTrack")
	assert.Contains(t, out, "access denied")

	rows := statusRows(t, data)
	require.Len(t, rows, 1)
	assert.Equal(t, "disable-game-dvr", rows[0].Key)
}

func TestShowAndDiscard(t *testing.T) {
	data := t.TempDir()
	cat := writeCatalog(t)

	_, err := execute(t, "--data-dir", data, "--simulate", "apply", cat, "disable-diagtrack")
	require.NoError(t, err)

	out, err := execute(t, "--data-dir", data, "show", "disable-diagtrack")
	require.NoError(t, err)
	assert.Contains(t, out, "Disable DiagTrack")
	assert.Contains(t, out, "Revert order (1 step(s))")
	assert.Contains(t, out, "[service-startup-type]")

	_, err = executeWithInput(t, "no\n", "--data-dir", data, "discard", "disable-diagtrack")
	assert.ErrorIs(t, err, errAborted)
	require.Len(t, statusRows(t, data), 1)

	out, err = execute(t, "--data-dir", data, "discard", "0b5f8e7a-2c4d-4e6f-8a1b-3c5d7e9f1a2b", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Discarded revert record")
	assert.Empty(t, statusRows(t, data))

	out, err = execute(t, "--data-dir", data, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No optimizations applied")
}

func TestDiscard_UntrustedRecordByKey(t *testing.T) {
	data := t.TempDir()
	cat := writeCatalog(t)
	id := uuid.MustParse("0b5f8e7a-2c4d-4e6f-8a1b-3c5d7e9f1a2b")
	store := revert.NewStore(paths.NewLayout(data).RevertDir())
	require.NoError(t, store.Write(id, []byte(`{"version":1,"optimizationId":"`+id.String()+
		`","optimizationKey":"disable-diagtrack","optimizationName":"Disable DiagTrack",`+
		`"appliedAt":"2024-01-01T00:00:00Z","steps":[{"type":"bogus","data":{}}]}`)))

	out, err := execute(t, "--data-dir", data, "--simulate", "apply", cat, "disable-diagtrack")
	require.NoError(t, err)
	assert.Contains(t, out, "sysopt discard "+id.String())

	rows := statusRows(t, data)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Trusted)
	assert.Equal(t, "disable-diagtrack", rows[0].Key)

	out, err = execute(t, "--data-dir", data, "discard", "disable-diagtrack", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Discarded revert record")
	assert.False(t, store.Exists(id))
}

func TestApply_DeclinedPromptChangesNothing(t *testing.T) {
	data := t.TempDir()
	cat := writeCatalog(t)

	out, err := executeWithInput(t, "n\n", "--data-dir", data, "apply", cat, "--all")
	assert.ErrorIs(t, err, errAborted)
	assert.Contains(t, out, "• Disable Game DVR (2 action(s))")
	assert.Contains(t, out, "Nothing was changed.")
	assert.Empty(t, statusRows(t, data))
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	for input, want := range map[string]bool{"yes\n": true, "Y\n": true, "no\n": false, "": false, "maybe\n": false} {
		ok, err := confirm(strings.NewReader(input), &out, "Proceed?")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "input %q", input)
	}
}

func TestRevert_RejectsSimulate(t *testing.T) {
	_, err := execute(t, "--simulate", "revert", "disable-diagtrack")
	assert.EqualError(t, err, "revert does not support --simulate")
}

func TestRevert_UnknownReference(t *testing.T) {
	out, err := execute(t, "--data-dir", t.TempDir(), "revert", "never-applied")
	assert.EqualError(t, err, "1 optimization(s) not fully reverted")
	assert.Contains(t, out, "❌ never-applied")
}

func TestUnlock(t *testing.T) {
	data := t.TempDir()

	out, err := execute(t, "--data-dir", data, "unlock")
	require.NoError(t, err)
	assert.Contains(t, out, "Not locked")

	lm := apply.NewLockManager(filepath.Join(data, "sysopt.lock"), logger.Component("lock"))
	_, err = lm.AcquireLock("apply-42", "apply", time.Hour)
	require.NoError(t, err)

	cat := writeCatalog(t)
	_, err = execute(t, "--data-dir", data, "--simulate", "apply", cat, "--all")
	assert.ErrorIs(t, err, apply.ErrLocked)

	out, err = execute(t, "--data-dir", data, "unlock")
	require.NoError(t, err)
	assert.Contains(t, out, "run: apply-42")
	assert.Contains(t, out, "held")
	assert.Contains(t, out, "sysopt unlock --force")

	out, err = execute(t, "--data-dir", data, "unlock", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Lock removed")
	assert.NoFileExists(t, lm.GetLockPath())
}
