package logger

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	flags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
	})
	return &buf
}

func TestStdLoggerLevels(t *testing.T) {
	buf := captureOutput(t)
	l := NewStdLogger(false, NoticeLevel)

	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	l.Notice("notice %d", 3)
	l.Error("error %d", 4)

	require.Equal(t, "[NOTICE] notice 3\n[ERROR]  error 4\n", buf.String())
}

func TestStdLoggerChainPrefix(t *testing.T) {
	buf := captureOutput(t)
	l := NewStdLogger(false, DebugLevel)

	l.InfoWithChain(91342, "deposit finalized")
	l.DebugWithChain(11155111, "balance %s", "1.5")
	l.ErrorWithChain(1, "unknown chain")

	require.Equal(t,
		"[INFO]   [GIWA] deposit finalized\n[DEBUG]  [SEP]  balance 1.5\n[ERROR]  unknown chain\n",
		buf.String())
}

func TestStdLoggerConfiguredChainLabels(t *testing.T) {
	buf := captureOutput(t)
	l := NewStdLogger(false, DebugLevel)
	l.SetChainLabels(map[int]string{31337: "giwa", 11155111: "l1"})

	l.NoticeWithChain(31337, "deposit relayed")
	l.InfoWithChain(11155111, "proven")
	l.InfoWithChain(91342, "default label kept")

	require.Equal(t,
		"[NOTICE] [GIWA] deposit relayed\n[INFO]   [L1]   proven\n[INFO]   [GIWA] default label kept\n",
		buf.String())
}

func TestStdLoggerLogf(t *testing.T) {
	buf := captureOutput(t)
	l := NewStdLogger(true, InfoLevel)

	l.Logf(DebugLevel, "hidden")
	l.Logf(NoticeLevel, "[run %s] %s", "r-1", "started")
	l.Logf(ErrorLevel, "failed")

	require.Equal(t, "[NOTICE] [run r-1] started\n[ERROR]  failed\n", buf.String())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		isErr    bool
	}{
		{input: "", expected: InfoLevel},
		{input: "DEBUG", expected: DebugLevel},
		{input: " notice ", expected: NoticeLevel},
		{input: "error", expected: ErrorLevel},
		{input: "trace", expected: InfoLevel, isErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.isErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.expected, level)
			if !tt.isErr {
				parsed, err := ParseLevel(level.String())
				require.NoError(t, err)
				require.Equal(t, level, parsed)
			}
		})
	}
}
