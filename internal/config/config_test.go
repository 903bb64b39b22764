package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/subtype/internal/broker"
	"github.com/dshills/subtype/internal/modwatch"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bc := cfg.BrokerConfig()
	assert.Equal(t, time.Second, bc.UpdateDelay)
	assert.Equal(t, 1500*time.Millisecond, bc.ErrorsDelay)
	assert.Equal(t, modwatch.DefaultConfig(), bc.Watcher)
	assert.Equal(t, "node", cfg.ServiceConfig().Command)
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "none.toml"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = load("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "subtype.toml", `
[log]
level = "debug"
format = "console"

[service]
command = "/usr/bin/node"
args = ["/opt/tss/bin/tss.js"]
bootstrap_dir = "/opt/tss"
handshake_timeout = "10s"

[broker]
update_delay = "500ms"
errors_delay = "800ms"
extensions = [".ts", ".tsx"]

[watcher]
backend = "fsnotify"
interval = "1s"
`)
	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	sc := cfg.ServiceConfig()
	assert.Equal(t, "/usr/bin/node", sc.Command)
	assert.Equal(t, []string{"/opt/tss/bin/tss.js"}, sc.Args)
	assert.Equal(t, "/opt/tss", sc.BootstrapDir)
	assert.Equal(t, 10*time.Second, sc.HandshakeTimeout)
	assert.Equal(t, 2*time.Second, sc.StopTimeout, "unset keys keep defaults")

	bc := cfg.BrokerConfig()
	assert.Equal(t, 500*time.Millisecond, bc.UpdateDelay)
	assert.Equal(t, 800*time.Millisecond, bc.ErrorsDelay)
	assert.Equal(t, []string{".ts", ".tsx"}, bc.Extensions)
	assert.Equal(t, modwatch.BackendFSNotify, bc.Watcher.Backend)
	assert.Equal(t, time.Second, bc.Watcher.Interval)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "subtype.yaml", `
service:
  command: bun
watcher:
  ignore: [".*", "node_modules"]
metrics:
  addr: ":9090"
`)
	cfg, err := load(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, "bun", cfg.Service.Command)
	assert.Equal(t, []string{".*", "node_modules"}, cfg.Watcher.Ignore)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "subtype", cfg.Metrics.Namespace)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "subtype.toml", "[log]\nlevel = \"debug\"\n")
	cfg, err := load(path, envMap(map[string]string{
		"SUBTYPE_LOG_LEVEL":       "warn",
		"SUBTYPE_SERVICE_ARGS":    "/a/tss.js  --flag",
		"SUBTYPE_WATCHER_BACKEND": "fsnotify",
		"SUBTYPE_UPDATE_DELAY":    "100ms",
		"SUBTYPE_STRICT":          "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"/a/tss.js", "--flag"}, cfg.Service.Args)
	assert.Equal(t, modwatch.BackendFSNotify, cfg.Watcher.Backend)
	assert.Equal(t, Duration(100*time.Millisecond), cfg.Broker.UpdateDelay)
	assert.True(t, cfg.Broker.StrictInvariants)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		env     map[string]string
		target  error
	}{
		{name: "unknown extension", file: "c.json", content: "{}", target: ErrUnsupportedFormat},
		{name: "unknown toml key", file: "c.toml", content: "[log]\nlevle = \"debug\"\n"},
		{name: "bad toml duration", file: "c.toml", content: "[broker]\nupdate_delay = \"soon\"\n"},
		{name: "unknown yaml key", file: "c.yaml", content: "lgo:\n  level: debug\n"},
		{name: "bad level", file: "c.toml", content: "[log]\nlevel = \"loud\"\n", target: ErrValidationFailed},
		{name: "bad backend", file: "c.toml", content: "[watcher]\nbackend = \"inotify\"\n", target: ErrValidationFailed},
		{name: "bad pattern", file: "c.toml", content: "[watcher]\nignore = [\"[\"]\n", target: modwatch.ErrInvalidPattern},
		{name: "delay order", file: "c.toml", content: "[broker]\nerrors_delay = \"1s\"\n", target: broker.ErrDelayOrder},
		{name: "empty command", file: "c.yaml", content: "service:\n  command: \"\"\n", target: ErrValidationFailed},
		{name: "bad env duration", env: map[string]string{"SUBTYPE_ERRORS_DELAY": "x"}, target: ErrValidationFailed},
		{name: "bad env bool", env: map[string]string{"SUBTYPE_STRICT": "maybe"}, target: ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file, tt.content)
			}
			_, err := load(path, envMap(tt.env))
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestParseError_Position(t *testing.T) {
	path := writeFile(t, "c.toml", "[log]\nlevel = = 1\n")
	_, err := load(path, noEnv)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, path, pe.Path)
	assert.Equal(t, 2, pe.Line)
	assert.Contains(t, pe.Error(), "line 2")
}
