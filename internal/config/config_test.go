package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestProcessDefaults(t *testing.T) {
	s, err := Process()
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if s.MaxLoop != 5 {
		t.Errorf("MaxLoop: got %d, want 5", s.MaxLoop)
	}
	if s.MaxConnections != 10 {
		t.Errorf("MaxConnections: got %d, want 10", s.MaxConnections)
	}
	if s.BrightnessThreshold != 40 {
		t.Errorf("BrightnessThreshold: got %d, want 40", s.BrightnessThreshold)
	}
	if s.LoginDelayDuration() != 1500*time.Millisecond {
		t.Errorf("LoginDelayDuration: got %s, want 1.5s", s.LoginDelayDuration())
	}
	if s.GoodbyeDelayDuration() != time.Second {
		t.Errorf("GoodbyeDelayDuration: got %s, want 1s", s.GoodbyeDelayDuration())
	}
}

func TestProcessBareAndPrefixedNames(t *testing.T) {
	t.Setenv("MAX_LOOP", "3")
	t.Setenv("TROLLSSH_PORT", "2222")
	t.Setenv("PORT", "2323")

	s, err := Process()
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if s.MaxLoop != 3 {
		t.Errorf("MaxLoop from bare name: got %d, want 3", s.MaxLoop)
	}
	if s.Port != 2222 {
		t.Errorf("prefixed PORT should win: got %d, want 2222", s.Port)
	}
	if s.ListenAddr() != "0.0.0.0:2222" {
		t.Errorf("ListenAddr: got %q", s.ListenAddr())
	}
}

func TestValidate(t *testing.T) {
	base := Settings{
		Port:                22,
		MaxLoop:             1,
		MaxConnections:      1,
		BrightnessThreshold: 40,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base settings should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"port zero", func(s *Settings) { s.Port = 0 }, "invalid port"},
		{"port too large", func(s *Settings) { s.Port = 70000 }, "invalid port"},
		{"no connections", func(s *Settings) { s.MaxConnections = 0 }, "MAX_CONNECTIONS"},
		{"no loops", func(s *Settings) { s.MaxLoop = 0 }, "MAX_LOOP"},
		{"negative login delay", func(s *Settings) { s.LoginDelay = -1 }, "LOGIN_DELAY"},
		{"negative goodbye delay", func(s *Settings) { s.GoodbyeDelay = -1 }, "GOODBYE_DELAY"},
		{"threshold above 100", func(s *Settings) { s.BrightnessThreshold = 101 }, "BRIGHTNESS_THRESHOLD"},
		{"threshold below 0", func(s *Settings) { s.BrightnessThreshold = -1 }, "BRIGHTNESS_THRESHOLD"},
		{"bad allow list", func(s *Settings) { s.AllowedIPs = "10.0.0.0/99" }, "ALLOWED_IPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	s := Settings{ConfigDir: "cfg", FramesFile: "frames.json", AuditDB: "audit.db"}
	if got := s.FramesPath(); got != filepath.Join("cfg", "frames.json") {
		t.Errorf("FramesPath: got %q", got)
	}
	if got := s.AuditPath(); got != filepath.Join("cfg", "audit.db") {
		t.Errorf("AuditPath: got %q", got)
	}

	s.FramesFile = "/var/lib/frames.json"
	if got := s.FramesPath(); got != "/var/lib/frames.json" {
		t.Errorf("absolute FramesPath: got %q", got)
	}

	for _, v := range []string{"", "off", "OFF"} {
		s.AuditDB = v
		if got := s.AuditPath(); got != "" {
			t.Errorf("AuditDB=%q should disable audit, got %q", v, got)
		}
	}
}
