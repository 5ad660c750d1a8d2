package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		ServerURL:    "https://portal.example/api",
		WSURL:        "wss://portal.example",
		SessionToken: "tok",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ServerURL != "https://portal.example/api" {
		t.Errorf("ServerURL = %q, want %q", loaded.ServerURL, "https://portal.example/api")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("server_url = \"https://x\"\nws_url = \"wss://x\"\nsession_token = \"t\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HeartbeatInterval() != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval())
	}
	if cfg.ReconnectDelay() != 3*time.Second {
		t.Errorf("ReconnectDelay = %v, want 3s", cfg.ReconnectDelay())
	}
	if cfg.MaxAttachmentBytes() != 10*1024*1024 {
		t.Errorf("MaxAttachmentBytes = %d, want 10 MB", cfg.MaxAttachmentBytes())
	}
	if len(cfg.AllowedMimePrefixes) == 0 {
		t.Error("AllowedMimePrefixes should have defaults")
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should have a default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{ServerURL: "https://x", WSURL: "wss://x", SessionToken: "t"}, false},
		{"missing server_url", Config{WSURL: "wss://x", SessionToken: "t"}, true},
		{"missing ws_url", Config{ServerURL: "https://x", SessionToken: "t"}, true},
		{"missing token", Config{ServerURL: "https://x", WSURL: "wss://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{ServerURL: "https://x"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
