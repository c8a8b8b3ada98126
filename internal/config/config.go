package config

import (
	"path/filepath"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Terminal backends for interactive websocket terminals.
const (
	BackendAuto  = "auto"
	BackendLocal = "local"
	BackendSSH   = "ssh"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"json"`
	StaticDir    string `envconfig:"STATIC_DIR" default:""`
	WorkDir      string `envconfig:"WORK_DIR" default:""`

	// Session and executor settings
	SessionTimeout    string `envconfig:"SESSION_TIMEOUT" default:"30m"`
	SweepSchedule     string `envconfig:"SWEEP_SCHEDULE" default:"@every 5m"`
	ExecTimeout       string `envconfig:"EXEC_TIMEOUT" default:"30s"`
	StreamTimeout     string `envconfig:"STREAM_TIMEOUT" default:"60s"`
	PollInterval      string `envconfig:"POLL_INTERVAL" default:"100ms"`
	CompletionTimeout string `envconfig:"COMPLETION_TIMEOUT" default:"5s"`

	// Interactive terminal settings
	TerminalBackend string `envconfig:"TERMINAL_BACKEND" default:"auto"`
	LocalPTY        bool   `envconfig:"LOCAL_PTY" default:"false"`
	OutputEncoding  string `envconfig:"OUTPUT_ENCODING" default:"auto"`

	SSHHost       string `envconfig:"SSH_HOST" default:"127.0.0.1"`
	SSHPort       int    `envconfig:"SSH_PORT" default:"22"`
	SSHUser       string `envconfig:"SSH_USER" default:""`
	SSHPassword   string `envconfig:"SSH_PASSWORD" default:""`
	SSHKeyPath    string `envconfig:"SSH_KEY_PATH" default:""`
	SSHKnownHosts string `envconfig:"SSH_KNOWN_HOSTS" default:""`
	SSHAgent      bool   `envconfig:"SSH_AGENT" default:"true"`

	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	WSAllowedOrigins []string `envconfig:"WS_ALLOWED_ORIGINS" default:""`
	WSReadLimit      int64    `envconfig:"WS_READ_LIMIT" default:"65536"`
	WSMessageRate    int      `envconfig:"WS_MESSAGE_RATE" default:"200"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WEBSHELL", &Cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
}

// DBPath returns the sqlite path, defaulting to a file under DataPath.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "webshell.db")
}

// LogFilePath returns the log file path, defaulting to a file under DataPath.
func (s Settings) LogFilePath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "webshell.log")
}

// Backend resolves "auto" to the platform default: a local PowerShell on
// Windows and an SSH login shell everywhere else.
func (s Settings) Backend() string {
	switch s.TerminalBackend {
	case BackendLocal, BackendSSH:
		return s.TerminalBackend
	}
	if runtime.GOOS == "windows" {
		return BackendLocal
	}
	return BackendSSH
}

func (s Settings) SessionTimeoutDuration() time.Duration {
	return parseDuration("SESSION_TIMEOUT", s.SessionTimeout, 30*time.Minute)
}

func (s Settings) ExecTimeoutDuration() time.Duration {
	return parseDuration("EXEC_TIMEOUT", s.ExecTimeout, 30*time.Second)
}

func (s Settings) StreamTimeoutDuration() time.Duration {
	return parseDuration("STREAM_TIMEOUT", s.StreamTimeout, 60*time.Second)
}

func (s Settings) PollIntervalDuration() time.Duration {
	return parseDuration("POLL_INTERVAL", s.PollInterval, 100*time.Millisecond)
}

func (s Settings) CompletionTimeoutDuration() time.Duration {
	return parseDuration("COMPLETION_TIMEOUT", s.CompletionTimeout, 5*time.Second)
}

func parseDuration(name, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warn().Str("setting", name).Str("value", value).Dur("fallback", fallback).Msg("invalid duration, using default")
		return fallback
	}
	return d
}
