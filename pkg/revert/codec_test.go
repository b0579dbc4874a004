package revert_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zph/sysopt/pkg/optimization"
	"github.com/zph/sysopt/pkg/registry"
	"github.com/zph/sysopt/pkg/revert"
	"github.com/zph/sysopt/pkg/service"
	"github.com/zph/sysopt/pkg/shell"
)

func sampleSteps(dir string) []revert.Step {
	previous := registry.DWordValue(3)
	return []revert.Step{
		&revert.RegistryValueStep{Root: registry.LocalMachine, Path: `SOFTWARE\Policies\DataCollection`, Name: "AllowTelemetry", Existed: true, Previous: &previous},
		&revert.RegistryValueStep{Root: registry.CurrentUser, Path: `Software\Test`, Name: "Fresh"},
		&revert.RegistryKeyStep{Root: registry.CurrentUser, Path: `Software\Test`},
		&revert.ServiceStartupStep{Service: "DiagTrack", Previous: service.Automatic},
		&revert.FileDeleteStep{Path: filepath.Join(dir, "prefetch"), Backup: filepath.Join(dir, "Backup", "prefetch")},
		&revert.ShellCommandStep{Command: "powercfg /hibernate on", Mode: shell.ModeDirect},
	}
}

func TestEncodeDecodeStep_EveryKind(t *testing.T) {
	steps := sampleSteps(t.TempDir())

	seen := make(map[revert.Kind]bool)
	for _, step := range steps {
		rec, err := revert.EncodeStep(step)
		require.NoError(t, err)
		assert.Equal(t, step.Kind(), rec.Type)

		decoded, err := revert.DecodeStep(rec)
		require.NoError(t, err)
		assert.Equal(t, step, decoded)
		seen[step.Kind()] = true
	}

	for _, kind := range revert.Kinds() {
		assert.True(t, seen[kind], "kind %s has no sample", kind)
	}
}

func TestDecodeStep_UnknownKind(t *testing.T) {
	_, err := revert.DecodeStep(revert.Record{Type: "quantum-flux", Data: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, revert.ErrUnknownKind)
}

func TestDecodeStep_Malformed(t *testing.T) {
	tests := []struct {
		name string
		rec  revert.Record
	}{
		{
			name: "unknown field",
			rec:  revert.Record{Type: revert.KindRegistryKey, Data: json.RawMessage(`{"root":"HKCU","path":"a","extra":1}`)},
		},
		{
			name: "invalid root",
			rec:  revert.Record{Type: revert.KindRegistryKey, Data: json.RawMessage(`{"root":"HKXX","path":"a"}`)},
		},
		{
			name: "existed without previous",
			rec:  revert.Record{Type: revert.KindRegistryValue, Data: json.RawMessage(`{"root":"HKLM","path":"a","name":"b","existed":true}`)},
		},
		{
			name: "bad startup type",
			rec:  revert.Record{Type: revert.KindServiceStartup, Data: json.RawMessage(`{"service":"x","previous":"sometimes"}`)},
		},
		{
			name: "relative file path",
			rec:  revert.Record{Type: revert.KindFileDelete, Data: json.RawMessage(`{"path":"relative","backup":"also-relative"}`)},
		},
		{
			name: "missing command",
			rec:  revert.Record{Type: revert.KindShellCommand, Data: json.RawMessage(`{"mode":"direct"}`)},
		},
		{
			name: "missing data",
			rec:  revert.Record{Type: revert.KindShellCommand},
		},
		{
			name: "wrong json type",
			rec:  revert.Record{Type: revert.KindRegistryKey, Data: json.RawMessage(`["HKCU","a"]`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := revert.DecodeStep(tt.rec)
			assert.ErrorIs(t, err, revert.ErrMalformedStep)
		})
	}
}

func TestEncodeStep_RejectsInvalid(t *testing.T) {
	_, err := revert.EncodeStep(&revert.ShellCommandStep{})
	assert.ErrorIs(t, err, revert.ErrMalformedStep)

	_, err = revert.EncodeStep(nil)
	assert.ErrorIs(t, err, revert.ErrMalformedStep)
}

func TestParseLog(t *testing.T) {
	identity := optimization.NewIdentity(uuid.New(), "disable-hibernation")
	appliedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	l, err := revert.NewLog(identity, "Disable hibernation", appliedAt, sampleSteps(t.TempDir()))
	require.NoError(t, err)
	data, err := l.Marshal()
	require.NoError(t, err)

	parsed, err := revert.ParseLog(data)
	require.NoError(t, err)
	assert.Equal(t, revert.FormatVersion, parsed.Version)
	assert.Equal(t, identity, parsed.Identity())
	assert.Equal(t, "Disable hibernation", parsed.OptimizationName)
	assert.True(t, appliedAt.Equal(parsed.AppliedAt))

	steps, err := parsed.DecodeSteps()
	require.NoError(t, err)
	assert.Len(t, steps, 6)
}

func TestParseLog_FailsClosed(t *testing.T) {
	id := uuid.New().String()
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"future version", `{"version":2,"optimizationId":"` + id + `","steps":[{"type":"registry-key","data":{"root":"HKCU","path":"a"}}]}`},
		{"missing id", `{"version":1,"steps":[{"type":"registry-key","data":{"root":"HKCU","path":"a"}}]}`},
		{"no steps", `{"version":1,"optimizationId":"` + id + `","steps":[]}`},
		{"one unknown step among good ones", `{"version":1,"optimizationId":"` + id + `","steps":[` +
			`{"type":"registry-key","data":{"root":"HKCU","path":"a"}},` +
			`{"type":"quantum-flux","data":{}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := revert.ParseLog([]byte(tt.data))
			assert.ErrorIs(t, err, revert.ErrUntrustedLog)
		})
	}
}

func TestParseLog_MissingVersionAccepted(t *testing.T) {
	id := uuid.New()
	data := `{"optimizationId":"` + id.String() + `","optimizationName":"Legacy","steps":[{"type":"registry-key","data":{"root":"HKCU","path":"a"}}]}`

	l, err := revert.ParseLog([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, id, l.OptimizationID)
}

func TestNewLog_RequiresSteps(t *testing.T) {
	_, err := revert.NewLog(optimization.NewIdentity(uuid.New(), "x"), "X", time.Now(), nil)
	assert.Error(t, err)

	_, err = revert.NewLog(optimization.Identity{}, "X", time.Now(), sampleSteps(t.TempDir()))
	assert.Error(t, err)
}
