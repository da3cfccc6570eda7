package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "debug", input: "debug", expected: LevelDebug},
		{name: "info", input: "info", expected: LevelInfo},
		{name: "empty defaults to info", input: "", expected: LevelInfo},
		{name: "warn", input: "warn", expected: LevelWarn},
		{name: "warning alias", input: "warning", expected: LevelWarn},
		{name: "error", input: "error", expected: LevelError},
		{name: "case insensitive", input: "DEBUG", expected: LevelDebug},
		{name: "surrounding spaces", input: "  error ", expected: LevelError},
		{name: "unknown", input: "verbose", expected: LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogLevelConstants(t *testing.T) {
	levels := []LogLevel{LevelDebug, LevelInfo, LevelWarn, LevelError}
	for i := 0; i < len(levels)-1; i++ {
		if levels[i] >= levels[i+1] {
			t.Errorf("Log levels should be in ascending order: %v >= %v", levels[i], levels[i+1])
		}
	}
}

func TestSetLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	original := GetLevel()
	defer func() {
		SetLevel(original)
		SetOutput(os.Stderr)
	}()

	SetLevel(LevelWarn)
	Debug("debug line")
	Info("info line")
	Warn("warn line")
	Error("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("messages below warn should be filtered, got:\n%s", out)
	}
	if !strings.Contains(out, "[WARN] warn line") {
		t.Errorf("expected warn line, got:\n%s", out)
	}
	if !strings.Contains(out, "[ERROR] error line") {
		t.Errorf("expected error line, got:\n%s", out)
	}
	if IsDebugEnabled() {
		t.Error("IsDebugEnabled should be false at warn level")
	}
}

func TestFieldsString(t *testing.T) {
	tests := []struct {
		name   string
		fields Fields
		want   string
	}{
		{
			name:   "event first then sorted",
			fields: Fields{"path": "/in/a.mp4", "event": "job_queued", "attempt": 2},
			want:   "event=job_queued attempt=2 path=/in/a.mp4",
		},
		{
			name:   "values with spaces are quoted",
			fields: Fields{"error": "exit status 1"},
			want:   `error="exit status 1"`,
		},
		{
			name:   "empty value is quoted",
			fields: Fields{"job": ""},
			want:   `job=""`,
		},
		{
			name:   "empty fields",
			fields: Fields{},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fields.String(); got != tt.want {
				t.Errorf("Fields.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{LogLevel(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.expected {
				t.Errorf("LogLevel.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}
