package config

import (
	"context"
	"testing"
	"time"
)

func TestWatcher_StagesRewrittenConfig(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	writeConfig(t, dir, "log_level: debug\n")

	select {
	case cfg := <-w.Events():
		if cfg.LogLevel != "debug" {
			t.Fatalf("staged log level = %q, want debug", cfg.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("config change never staged")
	}

	staged, ok := w.Staged()
	if !ok || staged.LogLevel != "debug" {
		t.Fatalf("staged = %+v ok=%v, want the rewritten config", staged, ok)
	}
	if _, ok := w.Staged(); ok {
		t.Fatalf("staged config not cleared after take")
	}
}

func TestWatcher_RejectsInvalidStagedConfig(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	writeConfig(t, dir, "resolver:\n  tiers:\n    4: {default_action: shrug}\n")
	time.Sleep(300 * time.Millisecond)

	if _, ok := w.Staged(); ok {
		t.Fatalf("invalid config was staged")
	}
}
