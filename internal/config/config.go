// Package config loads the authority's session.yaml: defaults, then the
// file (checked against an embedded JSON schema), then LOCKSTEP_*
// environment overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"lockstep.ai/internal/platform/otel"
	"lockstep.ai/internal/sim/authority"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/scheduler"
)

const EnvPrefix = "LOCKSTEP_"

//go:embed session.schema.json
var schemaJSON string

type Config struct {
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Session     SessionConfig     `yaml:"session" envPrefix:"SESSION_"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" envPrefix:"SCHED_"`
	Persistence PersistenceConfig `yaml:"persistence" envPrefix:"DATA_"`
	Tracing     otel.Config       `yaml:"tracing" envPrefix:"OTEL_"`
	// Permissions maps command type names to permission classes.
	Permissions map[string]string `yaml:"permissions"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr" env:"ADDR"`
	MaxProtocolErrors int    `yaml:"max_protocol_errors" env:"MAX_PROTOCOL_ERRORS"`
	// SendQueue is the per-participant outbound queue, in messages.
	SendQueue int `yaml:"send_queue" env:"SEND_QUEUE"`
	// AllowDebugRole grants the debug role to participants asking for it.
	AllowDebugRole bool `yaml:"allow_debug_role" env:"ALLOW_DEBUG_ROLE"`
}

type SessionConfig struct {
	TickRateHz        int   `yaml:"tick_rate_hz" env:"TICK_RATE_HZ"`
	FreezeOnJoin      bool  `yaml:"freeze_on_join" env:"FREEZE_ON_JOIN"`
	FirstJoinerHosts  bool  `yaml:"first_joiner_hosts" env:"FIRST_JOINER_HOSTS"`
	DebugMode         bool  `yaml:"debug_mode" env:"DEBUG_MODE"`
	HostControlsSpeed bool  `yaml:"host_controls_speed" env:"HOST_CONTROLS_SPEED"`
	DigestEvery       int32 `yaml:"digest_every" env:"DIGEST_EVERY"`
	LogRejections     bool  `yaml:"log_rejections" env:"LOG_REJECTIONS"`
}

type SchedulerConfig struct {
	HighWater        int32   `yaml:"high_water" env:"HIGH_WATER"`
	LowWater         int32   `yaml:"low_water" env:"LOW_WATER"`
	MaxSpeedUp       float64 `yaml:"max_speed_up" env:"MAX_SPEED_UP"`
	SpeedUpStep      float64 `yaml:"speed_up_step" env:"SPEED_UP_STEP"`
	SlowDown         float64 `yaml:"slow_down" env:"SLOW_DOWN"`
	MaxTicksPerFrame int     `yaml:"max_ticks_per_frame" env:"MAX_TICKS_PER_FRAME"`
	CatchUpThreshold int32   `yaml:"catch_up_threshold" env:"CATCH_UP_THRESHOLD"`
	CatchUpBudgetMS  int     `yaml:"catch_up_budget_ms" env:"CATCH_UP_BUDGET_MS"`
	Coupled          bool    `yaml:"coupled" env:"COUPLED"`
}

type PersistenceConfig struct {
	DataDir string `yaml:"data_dir" env:"DIR"`
	// IndexPath is the sqlite read model; empty disables it.
	IndexPath         string       `yaml:"index_path" env:"INDEX_PATH"`
	ArchiveOnShutdown bool         `yaml:"archive_on_shutdown" env:"ARCHIVE_ON_SHUTDOWN"`
	Mirror            MirrorConfig `yaml:"mirror" envPrefix:"MIRROR_"`
}

// MirrorConfig copies a finished session to an S3-compatible bucket. An
// empty bucket disables it.
type MirrorConfig struct {
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	AccessKeyID     string `yaml:"-" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-" env:"SECRET_ACCESS_KEY"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
}

func (m MirrorConfig) Enabled() bool { return strings.TrimSpace(m.Bucket) != "" }

func Defaults() Config {
	sc := scheduler.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:              ":8090",
			MaxProtocolErrors: 16,
			SendQueue:         4096,
		},
		Session: SessionConfig{
			TickRateHz:       20,
			FreezeOnJoin:     true,
			FirstJoinerHosts: true,
			DigestEvery:      10,
		},
		Scheduler: SchedulerConfig{
			HighWater:        sc.HighWater,
			LowWater:         sc.LowWater,
			MaxSpeedUp:       sc.MaxSpeedUp,
			SpeedUpStep:      sc.SpeedUpStep,
			SlowDown:         sc.SlowDown,
			MaxTicksPerFrame: sc.MaxTicksPerFrame,
			CatchUpThreshold: sc.CatchUpThreshold,
			CatchUpBudgetMS:  int(sc.CatchUpBudget / time.Millisecond),
			Coupled:          sc.Coupled,
		},
		Persistence: PersistenceConfig{
			DataDir:           "./data",
			ArchiveOnShutdown: true,
		},
	}
}

// Load reads path over Defaults. An empty path skips the file but still
// applies the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := validateSchema(b); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var schema = compileSchema()

func compileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("session.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("session.schema.json")
}

// validateSchema checks the yaml document against the embedded schema. The
// document goes through JSON first so numbers reach the validator the way
// it expects them.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func (c *Config) Normalize() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.SendQueue <= 0 {
		c.Server.SendQueue = 4096
	}
	if c.Session.TickRateHz <= 0 {
		c.Session.TickRateHz = 20
	}
	if c.Session.DigestEvery < 0 {
		c.Session.DigestEvery = 0
	}
	norm := make(map[string]string, len(c.Permissions))
	for k, v := range c.Permissions {
		norm[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	c.Permissions = norm
}

func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Session.TickRateHz > 1000 {
		return fmt.Errorf("session.tick_rate_hz %d is above 1000", c.Session.TickRateHz)
	}
	if c.Scheduler.LowWater > c.Scheduler.HighWater {
		return fmt.Errorf("scheduler.low_water %d above high_water %d", c.Scheduler.LowWater, c.Scheduler.HighWater)
	}
	if m := c.Persistence.Mirror; m.Enabled() && (m.Endpoint == "" || m.AccessKeyID == "" || m.SecretAccessKey == "") {
		return fmt.Errorf("persistence.mirror needs an endpoint and LOCKSTEP_DATA_MIRROR_ACCESS_KEY_ID / _SECRET_ACCESS_KEY")
	}
	if c.Scheduler.MaxSpeedUp != 0 && c.Scheduler.MaxSpeedUp < 1 {
		return fmt.Errorf("scheduler.max_speed_up must be at least 1")
	}
	_, err := c.Policy()
	return err
}

// Policy builds the permission table: the defaults, with the configured
// overrides applied. PlayerLeft stays system-only.
func (c Config) Policy() (command.Policy, error) {
	p := command.DefaultPolicy()
	p.Rules = command.Rules{DebugMode: c.Session.DebugMode, HostControlsSpeed: c.Session.HostControlsSpeed}
	names := make([]string, 0, len(c.Permissions))
	for k := range c.Permissions {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		t, ok := command.TypeByName(name)
		if !ok {
			return p, fmt.Errorf("permissions: unknown command type %q", name)
		}
		perm, err := command.ParsePermission(c.Permissions[name])
		if err != nil {
			return p, fmt.Errorf("permissions.%s: %w", name, err)
		}
		if t == command.TypePlayerLeft && perm != command.SystemOnly {
			return p, fmt.Errorf("permissions.%s: must stay %s", name, command.SystemOnly)
		}
		p.Types[t] = perm
	}
	return p, nil
}

func (c Config) Authority() authority.Config {
	return authority.Config{
		TickRateHz:        c.Session.TickRateHz,
		FreezeOnJoin:      c.Session.FreezeOnJoin,
		MaxProtocolErrors: c.Server.MaxProtocolErrors,
		FirstJoinerHosts:  c.Session.FirstJoinerHosts,
		LogRejections:     c.Session.LogRejections,
		DigestEvery:       c.Session.DigestEvery,
	}
}

func (c SchedulerConfig) Scheduler() scheduler.Config {
	return scheduler.Config{
		HighWater:        c.HighWater,
		LowWater:         c.LowWater,
		MaxSpeedUp:       c.MaxSpeedUp,
		SpeedUpStep:      c.SpeedUpStep,
		SlowDown:         c.SlowDown,
		MaxTicksPerFrame: c.MaxTicksPerFrame,
		CatchUpThreshold: c.CatchUpThreshold,
		CatchUpBudget:    time.Duration(c.CatchUpBudgetMS) * time.Millisecond,
		Coupled:          c.Coupled,
	}
}
