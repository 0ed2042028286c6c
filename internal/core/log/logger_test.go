package log

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()

	// 所有方法都不应该 panic
	logger.Debug("test")
	logger.Infof("test %s", "arg")
	logger.Errorf("test %s", "arg")

	_, ok := logger.WithField("key", "value").(NopLogger)
	assert.True(t, ok)
	_, ok = logger.WithFields(map[string]interface{}{"key": "value"}).(NopLogger)
	assert.True(t, ok)
	_, ok = logger.WithError(nil).(NopLogger)
	assert.True(t, ok)
	_, ok = logger.WithContext(context.Background()).(NopLogger)
	assert.True(t, ok)
}

type recordingT struct {
	lines []string
}

func (r *recordingT) Log(args ...interface{}) {
	r.lines = append(r.lines, args[0].(string))
}

func (r *recordingT) Logf(format string, args ...interface{}) {
	r.lines = append(r.lines, format)
}

func TestTestLogger_Fields(t *testing.T) {
	rec := &recordingT{}
	logger := NewTestLogger(rec).WithField(FieldDeviceID, "dev-1")

	logger.Info("hello")
	logger.Warnf("code %s", "ABC123")

	require.Len(t, rec.lines, 2)
	assert.Contains(t, rec.lines[0], "[INFO]")
	assert.Contains(t, rec.lines[0], "device_id=dev-1")
	assert.Contains(t, rec.lines[1], "[WARN]")
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	logger := NewLogrusLogger(l)

	logger.Debug("debug message")
	assert.Contains(t, buf.String(), "debug message")

	buf.Reset()
	logger.WithFields(map[string]interface{}{"k1": "v1", "k2": "v2"}).Info("with fields")
	out := buf.String()
	assert.Contains(t, out, "k1=v1")
	assert.Contains(t, out, "k2=v2")
}

func TestInit_FileJSON(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	path := filepath.Join(t.TempDir(), "server.log")
	err := Init(&Config{Level: "debug", Format: FormatJSON, Output: OutputFile, File: path})
	require.NoError(t, err)

	WithField(FieldCode, "ABC123").Debugf("SessionStore: created %s", "ABC123")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"message":"SessionStore: created ABC123"`), line)
	assert.Contains(t, line, `"pairing_code":"ABC123"`)
	assert.Contains(t, line, `"level":"debug"`)
}

func TestInit_InvalidLevel(t *testing.T) {
	err := Init(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestInit_FileWithoutPath(t *testing.T) {
	err := Init(&Config{Output: OutputFile})
	assert.Error(t, err)
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger)

	nop := NewNopLogger()
	SetDefault(nop)
	assert.Equal(t, nop, Default())

	SetDefault(logger)
}
