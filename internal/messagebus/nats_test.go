package messagebus

import (
	"testing"
	"time"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.URL != "nats://localhost:4222" {
		t.Errorf("got URL %q", cfg.URL)
	}
	if cfg.StreamName != "RUNCORE" {
		t.Errorf("got stream %q", cfg.StreamName)
	}
	if cfg.SubjectPrefix != "runcore" {
		t.Errorf("got prefix %q", cfg.SubjectPrefix)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("got timeout %v", cfg.Timeout)
	}
}

func TestConfig_KeepsExplicitValues(t *testing.T) {
	cfg := Config{
		URL:           "nats://custom:4222",
		StreamName:    "CUSTOM",
		SubjectPrefix: "custom",
		Timeout:       30 * time.Second,
	}
	cfg.applyDefaults()
	if cfg.URL != "nats://custom:4222" || cfg.StreamName != "CUSTOM" || cfg.SubjectPrefix != "custom" {
		t.Errorf("defaults overwrote explicit values: %+v", cfg)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("got timeout %v", cfg.Timeout)
	}
}

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		prefix, eventType, want string
	}{
		{"runcore", "run.completed", "runcore.run.completed"},
		{"runcore", "run.step completed", "runcore.run.step_completed"},
		{"x", "a.*", "x.a._"},
		{"x", "a.>", "x.a._"},
	}
	for _, tc := range tests {
		if got := SubjectFor(tc.prefix, tc.eventType); got != tc.want {
			t.Errorf("SubjectFor(%q, %q) = %q, want %q", tc.prefix, tc.eventType, got, tc.want)
		}
	}
}

func TestNewNatsBus_BadURL(t *testing.T) {
	_, err := NewNatsBus(Config{
		URL:     "nats://nonexistent-host:99999",
		Timeout: 500 * time.Millisecond,
	}, nil)
	if err == nil {
		t.Error("expected error connecting to nonexistent NATS")
	}
}
