package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, parseLevel("warning"))
	assert.Equal(t, logrus.ErrorLevel, parseLevel("error"))
	assert.Equal(t, logrus.InfoLevel, parseLevel(""))
	assert.Equal(t, logrus.InfoLevel, parseLevel("verbose"))
}

func TestLoggerWritesJSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "info", "smmbroker")
	log.WithField("order_id", 7).Info("order placed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "smmbroker", line["service"])
	assert.Equal(t, "order placed", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.EqualValues(t, 7, line["order_id"])
	assert.Contains(t, line, "timestamp")
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "error", "smmbroker")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
}
