package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"go.uber.org/zap/zaptest"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		s        string
		substr   string
		expected bool
	}{
		{"Hello World", "hello", true},
		{"Hello World", "WORLD", true},
		{"Hello World", "xyz", false},
		{"", "", true},
		{"abc", "", true},
		{"", "abc", false},
		{"connection refused", "Connection Refused", true},
		{"WRONGPASS invalid username-password pair", "wrongpass", true},
	}

	for _, tt := range tests {
		t.Run(tt.s+"_"+tt.substr, func(t *testing.T) {
			result := containsIgnoreCase(tt.s, tt.substr)
			if result != tt.expected {
				t.Errorf("containsIgnoreCase(%q, %q) = %v, want %v", tt.s, tt.substr, result, tt.expected)
			}
		})
	}
}

func TestClassifyConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		addr     string
		contains string
	}{
		{
			name:     "nil error returns empty string",
			err:      nil,
			addr:     "localhost:6379",
			contains: "",
		},
		{
			name:     "timeout",
			err:      fmt.Errorf("dial: %w", timeoutErr{}),
			addr:     "localhost:6379",
			contains: "timed out",
		},
		{
			name:     "refused errno",
			err:      fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED),
			addr:     "localhost:6379",
			contains: "Connection refused",
		},
		{
			name:     "refused text",
			err:      errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"),
			addr:     "localhost:6379",
			contains: "--startup-mode graceful",
		},
		{
			name:     "dns",
			err:      errors.New("dial tcp: lookup redis.invalid: no such host"),
			addr:     "redis.invalid:6379",
			contains: "Cannot resolve hostname",
		},
		{
			name:     "auth",
			err:      errors.New("NOAUTH Authentication required."),
			addr:     "localhost:6379",
			contains: "Authentication failed",
		},
		{
			name:     "tls",
			err:      errors.New("x509: certificate signed by unknown authority"),
			addr:     "localhost:6380",
			contains: "TLS handshake",
		},
		{
			name:     "generic",
			err:      errors.New("unexpected EOF"),
			addr:     "localhost:6379",
			contains: "Failed to connect to Redis at localhost:6379",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyConnectionError(tt.err, tt.addr)
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifyConnectionError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifyConnectionError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestEnsureDataDirectory(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()
	dir := filepath.Join(t.TempDir(), "data", "fallback")

	abs, err := EnsureDataDirectory(dir, sugar)
	if err != nil {
		t.Fatalf("EnsureDataDirectory() error = %v", err)
	}
	if !filepath.IsAbs(abs) {
		t.Errorf("EnsureDataDirectory() = %q, want absolute path", abs)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(abs, ".hsi_write_test")); !os.IsNotExist(err) {
		t.Error("write test file was not removed")
	}
}

func TestEnsureDataDirectory_PathIsFile(t *testing.T) {
	sugar := zaptest.NewLogger(t).Sugar()
	file := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := EnsureDataDirectory(filepath.Join(file, "sub"), sugar)
	if err == nil {
		t.Fatal("EnsureDataDirectory() expected error for path under a regular file")
	}
	if !strings.Contains(err.Error(), "Remediation") {
		t.Errorf("error %q should carry remediation hints", err)
	}
}

func TestInitLogger(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		logger, sugar, err := InitLogger("debug", format)
		if err != nil {
			t.Fatalf("InitLogger(%q) error = %v", format, err)
		}
		if logger == nil || sugar == nil {
			t.Fatalf("InitLogger(%q) returned nil logger", format)
		}
	}

	if _, _, err := InitLogger("loud", "console"); err == nil {
		t.Error("InitLogger() expected error for unknown level")
	}
	if _, _, err := InitLogger("info", "xml"); err == nil {
		t.Error("InitLogger() expected error for unknown format")
	}
}

func TestInitConfig_MissingFile(t *testing.T) {
	_, err := InitConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("InitConfig() expected error for missing explicit file")
	}
}
