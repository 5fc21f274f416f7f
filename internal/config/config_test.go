package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/sim/command"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, 20, cfg.Session.TickRateHz)
	assert.Equal(t, 25*time.Millisecond, cfg.Scheduler.Scheduler().CatchUpBudget)

	p, err := cfg.Policy()
	require.NoError(t, err)
	perm, _ := p.Class(command.TypeMapCreated)
	assert.Equal(t, command.HostOnly, perm)
}

func TestLoadFileAndPermissions(t *testing.T) {
	path := writeFile(t, `
server:
  addr: "127.0.0.1:9000"
session:
  tick_rate_hz: 30
  host_controls_speed: true
scheduler:
  catch_up_budget_ms: 40
permissions:
  map_created: anyone
  debug: host_only
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Authority().TickRateHz)
	assert.Equal(t, 40*time.Millisecond, cfg.Scheduler.Scheduler().CatchUpBudget)

	p, err := cfg.Policy()
	require.NoError(t, err)
	perm, _ := p.Class(command.TypeMapCreated)
	assert.Equal(t, command.Anyone, perm)
	perm, _ = p.Class(command.TypeDebug)
	assert.Equal(t, command.HostOnly, perm)
	assert.True(t, p.Rules.HostControlsSpeed)
	assert.False(t, p.Allows(command.SpeedControl, command.Submitter{}))
}

func TestSchemaRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "session:\n  tick_rate: 30\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")

	_, err = Load(writeFile(t, "permissions:\n  sync: everyone\n"))
	require.Error(t, err)
}

func TestPlayerLeftStaysSystemOnly(t *testing.T) {
	_, err := Load(writeFile(t, "permissions:\n  player_left: anyone\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system_only")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  addr: \":7000\"\n")
	t.Setenv("LOCKSTEP_SERVER_ADDR", ":7100")
	t.Setenv("LOCKSTEP_SESSION_FREEZE_ON_JOIN", "false")
	t.Setenv("LOCKSTEP_OTEL_ENDPOINT", "http://collector:4318")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.Server.Addr)
	assert.False(t, cfg.Session.FreezeOnJoin)
	assert.Equal(t, "http://collector:4318", cfg.Tracing.Endpoint)
}

func TestValidateCatchesWaterMarks(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.LowWater = 9
	require.Error(t, cfg.Validate())
}

func TestMirrorSecretsComeFromEnv(t *testing.T) {
	path := writeFile(t, "persistence:\n  mirror:\n    endpoint: r2.example.com\n    bucket: sessions\n")
	_, err := Load(path)
	require.Error(t, err)

	t.Setenv("LOCKSTEP_DATA_MIRROR_ACCESS_KEY_ID", "ak")
	t.Setenv("LOCKSTEP_DATA_MIRROR_SECRET_ACCESS_KEY", "sk")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Persistence.Mirror.Enabled())
	assert.Equal(t, "ak", cfg.Persistence.Mirror.AccessKeyID)

	_, err = Load(writeFile(t, "persistence:\n  mirror:\n    secret_access_key: nope\n"))
	require.Error(t, err)
}
