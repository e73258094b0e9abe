package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	log, err := New("debug", false)
	if err != nil {
		t.Fatalf("new debug logger: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level enabled")
	}

	log, err = New("warn", true)
	if err != nil {
		t.Fatalf("new warn logger: %v", err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) || !log.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("expected warn and above only")
	}

	if _, err := New("loud", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
