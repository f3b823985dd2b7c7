package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "golubsmtpd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `
server:
  address: "0.0.0.0"
  port: 2525
  backlog_size: 64
  hostname: mail.example.net
  max_in_message_size: 1048576
  timeout: 30000
workers:
  count: 3
maildir:
  root: /srv/mail
logging:
  path: /srv/log/smtp.log
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers.Count != 3 {
		t.Errorf("Workers.Count = %d, want 3", cfg.Workers.Count)
	}
	if cfg.Server.Hostname != "mail.example.net" {
		t.Errorf("Hostname = %q", cfg.Server.Hostname)
	}
}

func TestLoadMissingPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty config path")
	}
}

func TestLoadInvalidWorkerCount(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 2525
  backlog_size: 64
  hostname: mail.example.net
  max_in_message_size: 1048576
  timeout: 30000
workers:
  count: 0
maildir:
  root: /srv/mail
logging:
  path: /srv/log/smtp.log
  level: info
  format: text
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero workers")
	}
}

func TestLoadInvalidPort(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 99999
  backlog_size: 64
  hostname: mail.example.net
  max_in_message_size: 1048576
  timeout: 30000
workers:
  count: 1
maildir:
  root: /srv/mail
logging:
  path: /srv/log/smtp.log
  level: info
  format: text
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
