package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizer_ProductionMode(t *testing.T) {
	s := NewSanitizer(true)

	tests := []struct {
		name        string
		input       error
		contains    string
		notContains string
	}{
		{
			name:        "file path removal",
			input:       errors.New("failed to open /var/lib/threatline/threatline.db"),
			contains:    "threatline.db",
			notContains: "/var/lib/threatline",
		},
		{
			name:        "path keeps base name",
			input:       errors.New("open /etc/threatline/rules/brute.yaml: permission denied"),
			contains:    "brute.yaml",
			notContains: "/etc/threatline",
		},
		{
			name:        "IP address masking",
			input:       errors.New("dial tcp 192.168.1.100:9000: connection refused"),
			contains:    "192.168.x.x",
			notContains: "192.168.1.100",
		},
		{
			name:        "store details",
			input:       errors.New("sqlite: database is locked"),
			contains:    "storage operation failed",
			notContains: "locked",
		},
		{
			name:        "credentials",
			input:       errors.New("auth failed password=hunter2"),
			contains:    "storage operation failed",
			notContains: "hunter2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := s.Error(tt.input).Error()

			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("expected result to contain %q, got %q", tt.contains, result)
			}
			if tt.notContains != "" && strings.Contains(result, tt.notContains) {
				t.Errorf("expected result to NOT contain %q, but it does: %q", tt.notContains, result)
			}
		})
	}

	if s.Error(nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestSanitizer_DevelopmentMode(t *testing.T) {
	s := NewSanitizer(false)

	input := errors.New("failed to open /var/lib/threatline/threatline.db")
	if got := s.Error(input); got.Error() != input.Error() {
		t.Errorf("expected error to be unchanged in development mode, got %q", got.Error())
	}
	if s.IsProduction() {
		t.Error("expected development mode")
	}
}

func TestSanitizer_StackTrace(t *testing.T) {
	s := NewSanitizer(true)
	got := s.String("panic: boom\n\ngoroutine 1 [running]:\nmain.main()")
	if got != "internal server error - operation failed" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizer_Wrap(t *testing.T) {
	s := NewSanitizer(true)
	err := s.Wrap(errors.New("connect 10.2.3.4 failed"), "ping")
	if err.Error() != "ping: connect 10.2.x.x failed" {
		t.Errorf("got %q", err.Error())
	}
	if s.Wrap(nil, "ping") != nil {
		t.Error("expected nil")
	}
}

func TestSanitizer_Message(t *testing.T) {
	s := NewSanitizer(true)

	tests := []struct {
		name     string
		input    error
		expected string
	}{
		{"client error passes through", errors.New("alert not found"), "alert not found"},
		{"invalid parameter passes through", errors.New("invalid since: expected RFC3339"), "invalid since: expected RFC3339"},
		{"internal error sanitized", errors.New("sqlite: disk I/O error"), "storage operation failed"},
		{"client phrase with internals sanitized", errors.New("invalid row in clickhouse"), "storage operation failed"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Message(tt.input); got != tt.expected {
				t.Errorf("Message() = %q, want %q", got, tt.expected)
			}
		})
	}
}
