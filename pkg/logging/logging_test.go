package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New("warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) || !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("level not applied")
	}

	logger, err = New("debug", "console")
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug disabled")
	}

	if _, err := New("loud", "json"); err == nil {
		t.Error("unknown level accepted")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Error("unknown format accepted")
	}
}
