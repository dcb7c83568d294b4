package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/YuzuZensai/TrollSSH/internal/admission"
)

// Every setting is read from TROLLSSH_<NAME>, falling back to the bare <NAME>.
const envPrefix = "TROLLSSH"

type Settings struct {
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
	Port int    `envconfig:"PORT" default:"22" yaml:"port"`

	// Playback settings
	MaxLoop             int `envconfig:"MAX_LOOP" default:"5" yaml:"max_loop"`
	LoginDelay          int `envconfig:"LOGIN_DELAY" default:"1500" yaml:"login_delay_ms"`
	GoodbyeDelay        int `envconfig:"GOODBYE_DELAY" default:"1000" yaml:"goodbye_delay_ms"`
	BrightnessThreshold int `envconfig:"BRIGHTNESS_THRESHOLD" default:"40" yaml:"brightness_threshold"`

	// Admission settings
	MaxConnections int    `envconfig:"MAX_CONNECTIONS" default:"10" yaml:"max_connections"`
	AllowedIPs     string `envconfig:"ALLOWED_IPS" default:"" yaml:"allowed_ips"`

	// Files
	ConfigDir   string `envconfig:"CONFIG_DIR" default:"config" yaml:"config_dir"`
	FramesFile  string `envconfig:"FRAMES_FILE" default:"frames.json" yaml:"frames_file"`
	VideoPath   string `envconfig:"VIDEO_PATH" default:"video.mp4" yaml:"video_path"`
	FFmpegPath  string `envconfig:"FFMPEG_PATH" default:"ffmpeg" yaml:"ffmpeg_path"`
	FFprobePath string `envconfig:"FFPROBE_PATH" default:"ffprobe" yaml:"ffprobe_path"`
	LogPath     string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	WatchAssets bool   `envconfig:"WATCH_ASSETS" default:"true" yaml:"watch_assets"`

	// Audit log ("off" disables it)
	AuditDB            string `envconfig:"AUDIT_DB" default:"audit.db" yaml:"audit_db"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90" yaml:"audit_retention_days"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily" yaml:"audit_purge_schedule"`

	// Status HTTP API, disabled when empty
	StatusAddr string `envconfig:"STATUS_ADDR" default:"" yaml:"status_addr"`
}

var Cfg Settings

func Load() {
	s, err := Process()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Process reads the environment into a fresh Settings and validates it.
func Process() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if s.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be at least 1, got %d", s.MaxConnections)
	}
	if s.MaxLoop < 1 {
		return fmt.Errorf("MAX_LOOP must be at least 1, got %d", s.MaxLoop)
	}
	if s.LoginDelay < 0 {
		return fmt.Errorf("LOGIN_DELAY must not be negative, got %d", s.LoginDelay)
	}
	if s.GoodbyeDelay < 0 {
		return fmt.Errorf("GOODBYE_DELAY must not be negative, got %d", s.GoodbyeDelay)
	}
	if s.BrightnessThreshold < 0 || s.BrightnessThreshold > 100 {
		return fmt.Errorf("BRIGHTNESS_THRESHOLD must be within 0..100, got %d", s.BrightnessThreshold)
	}
	if s.AuditRetentionDays < 0 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must not be negative, got %d", s.AuditRetentionDays)
	}
	if _, err := admission.ParseAllowedIPs(s.AllowedIPs); err != nil {
		return fmt.Errorf("ALLOWED_IPS: %w", err)
	}
	return nil
}

func (s Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s Settings) LoginDelayDuration() time.Duration {
	return time.Duration(s.LoginDelay) * time.Millisecond
}

func (s Settings) GoodbyeDelayDuration() time.Duration {
	return time.Duration(s.GoodbyeDelay) * time.Millisecond
}

// FramesPath resolves FramesFile against ConfigDir unless it is absolute.
func (s Settings) FramesPath() string {
	return s.inConfigDir(s.FramesFile)
}

// AuditPath returns the SQLite path for the audit log, or "" when disabled.
func (s Settings) AuditPath() string {
	if s.AuditDB == "" || strings.EqualFold(s.AuditDB, "off") {
		return ""
	}
	return s.inConfigDir(s.AuditDB)
}

func (s Settings) inConfigDir(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.ConfigDir, name)
}
