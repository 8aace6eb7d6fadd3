package zerolog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

func TestZerologLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name string
		log  func(logger *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("test debug message", billing.Field{Key: "key", Value: "value"}) }},
		{"info", func(l *Logger) { l.Info("test info message", billing.Field{Key: "key", Value: "value"}) }},
		{"warn", func(l *Logger) { l.Warn("test warn message", billing.Field{Key: "key", Value: "value"}) }},
		{"error", func(l *Logger) { l.Error("test error message", billing.Field{Key: "key", Value: "value"}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			logger := NewLogger(zerolog.New(&output))

			tt.log(logger)

			if output.Len() == 0 {
				t.Fatalf("Expected %s log to be written", tt.name)
			}
			if !strings.Contains(output.String(), `"key":"value"`) {
				t.Errorf("Expected field in output, got %s", output.String())
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("filtered out")
	logger.Info("filtered out")

	if output.Len() != 0 {
		t.Errorf("Expected debug and info to be filtered, got %s", output.String())
	}

	logger.Warn("kept")
	if output.Len() == 0 {
		t.Error("Expected warn log to be written")
	}
}
