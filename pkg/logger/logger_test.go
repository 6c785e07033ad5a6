package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "router.log")
	log, err := New(Config{Level: "debug", Format: "text", Output: "file", File: path})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.FileExists(t, path)
}

func TestComponentLoggersCarryFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, logrus.InfoLevel)

	log.PipelineLogger("act-1", "read", "docs").
		WithError(fmt.Errorf("boom")).
		Info("attempt failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "act-1", entry["activity_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "attempt failed", entry["msg"])
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	parent := NewWithWriter(&bytes.Buffer{}, logrus.InfoLevel).WithField("component", "router")
	child := parent.WithField("region", "West US")

	assert.NotContains(t, parent.Fields(), "region")
	assert.Equal(t, "West US", child.Fields()["region"])
	assert.Equal(t, "router", child.Fields()["component"])
}
