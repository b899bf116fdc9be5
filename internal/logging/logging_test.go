package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogErrorWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New("production")
	logger.SetOutput(&buf)

	LogError(logger, "step_failed", errors.New("smtp down"), logrus.Fields{"enrollment_id": "e-1"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "step_failed", line["error_type"])
	assert.Equal(t, "smtp down", line["error"])
	assert.Equal(t, "e-1", line["enrollment_id"])
	assert.Equal(t, "error", line["level"])
}

func TestInitSentryWithoutDSNIsNoop(t *testing.T) {
	assert.NoError(t, InitSentry("", "test"))
}
