package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_JSONAtInfo(t *testing.T) {
	var buf bytes.Buffer
	Init("info", &buf)
	defer Init("info", nil)

	WithFields(logrus.Fields{"alert_id": "SYSLOG-1"}).Info("Alert ingested")
	Log().Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Alert ingested", entry["msg"])
	assert.Equal(t, "SYSLOG-1", entry["alert_id"])
}

func TestInit_Levels(t *testing.T) {
	var buf bytes.Buffer
	defer Init("info", nil)

	Init("debug", &buf)
	Log().Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, logrus.DebugLevel, _log.GetLevel())

	buf.Reset()
	Init("warn", &buf)
	Log().Info("suppressed")
	assert.Empty(t, buf.String())

	Init("loud", &buf)
	assert.Equal(t, logrus.InfoLevel, _log.GetLevel())
}

func TestRotatingOutput(t *testing.T) {
	assert.NotNil(t, RotatingOutput(""))

	path := filepath.Join(t.TempDir(), "logs", "changeval.log")
	w := RotatingOutput(path)
	_, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.FileExists(t, path)
}
