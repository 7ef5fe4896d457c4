package rlog

import (
	"bytes"
	"strings"
	"testing"
)

type buf struct {
	bytes.Buffer
}

func (b *buf) Close() error { return nil }

func TestLoggerWritesAboveLevel(t *testing.T) {
	var b buf
	l := New(&b, "test-component")
	l.SetLevel(WARN)

	l.Info("should not appear")
	if b.Len() != 0 {
		t.Fatalf("expected INFO below WARN threshold to be suppressed, got %q", b.String())
	}

	l.Warn("should appear", l.KV("k", "v"))
	if b.Len() == 0 {
		t.Fatalf("expected WARN at threshold to be written")
	}
	if !strings.Contains(b.String(), "should appear") {
		t.Fatalf("expected message text in output, got %q", b.String())
	}
}

func TestLoggerCloseStopsOutput(t *testing.T) {
	var b buf
	l := New(&b, "test-component")
	l.Close()
	l.Error("after close")
	if b.Len() != 0 {
		t.Fatalf("expected no output after Close, got %q", b.String())
	}
}

func TestDiscardLoggerNeverPanics(t *testing.T) {
	l := NewDiscard()
	l.Info("hello", l.KV("a", 1))
	l.Warnf("formatted %d", 42)
	l.KVErr(nil)
}

func TestLevelString(t *testing.T) {
	if DEBUG.String() != "DEBUG" || WARN.String() != "WARN" {
		t.Fatalf("unexpected level strings")
	}
}
