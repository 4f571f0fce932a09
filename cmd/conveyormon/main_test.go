package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "line.yaml")
	data := "transport:\n  kind: http\n  device: LINE_009\n  http:\n    url: https://hub.example/req\n    token: s3cret\nlogging:\n  no_color: true\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"config", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	got := out.String()
	if !strings.Contains(got, "device: LINE_009") {
		t.Errorf("config output missing device:\n%s", got)
	}
	if strings.Contains(got, "s3cret") {
		t.Error("config output leaks the gateway token")
	}
}

func TestArchiveCommand_RequiresBucket(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"archive"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Errorf("expected a bucket error, got %v", err)
	}
}
