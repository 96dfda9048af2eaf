package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/tchow-twistedxcom/tmux-collab/internal/config"
)

func TestOpenStateCreatesDirAndElects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	first, err := openState(path)
	if err != nil {
		t.Fatalf("first openState: %v", err)
	}
	defer func() {
		_ = first.UnregisterInstance()
		_ = first.Close()
	}()

	primary, err := first.ElectPrimary(instanceTimeout)
	if err != nil {
		t.Fatalf("elect: %v", err)
	}
	if !primary {
		t.Fatalf("expected this process to be primary")
	}
}

func TestApplyServeFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:8420"
	cfg.State.Path = "/var/lib/collab/state.db"

	if err := serveCmd.ParseFlags([]string{"--listen", "0.0.0.0:9000", "--state", "off", "--debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	applyServeFlags(serveCmd, cfg)

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Fatalf("listen not overridden: %s", cfg.Server.Listen)
	}
	if !cfg.State.Disabled() {
		t.Fatalf("expected state disabled, got %q", cfg.State.Path)
	}
	if !cfg.Logging.Debug || !cfg.Logging.Stderr {
		t.Fatalf("expected debug logging to stderr")
	}
	if cfg.Tmux.Socket != "" {
		t.Fatalf("unset flag must not override socket, got %q", cfg.Tmux.Socket)
	}
	if !strings.HasPrefix(serverURL(cfg), "http://127.0.0.1:9000") {
		t.Fatalf("client URL should dial loopback, got %s", serverURL(cfg))
	}
}
