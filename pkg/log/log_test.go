package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriter(&buf)
	SetFormat("plain")
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	Debugf("debug message")
	Logf("info message")
	Warnf("warn message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
}

func TestLogJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetLogWriter(&buf)
	SetFormat("json")
	SetLevel(LevelInfo)
	defer SetFormat("plain")

	Logf("hello %s", "world")

	require.Contains(t, buf.String(), `"msg":"hello world"`)
	require.Contains(t, buf.String(), `"level":"info"`)
}

func TestRedactStripsSecrets(t *testing.T) {
	cases := []string{
		`Authorization: Bearer sk-abc123`,
		`{"access_token":"abc.def.ghi"}`,
		`client_secret=s3cr3t&grant_type=authorization_code`,
	}
	for _, c := range cases {
		redacted := Redact(c)
		assert.NotContains(t, redacted, "sk-abc123")
		assert.NotContains(t, redacted, "abc.def.ghi")
		assert.NotContains(t, redacted, "s3cr3t")
		assert.True(t, strings.Contains(redacted, "[redacted]"))
	}
}

func TestRedactMap(t *testing.T) {
	in := map[string]string{
		"Authorization": "Bearer xyz",
		"Content-Type":  "application/json",
	}
	out := RedactMap(in)
	assert.Equal(t, "[redacted]", out["Authorization"])
	assert.Equal(t, "application/json", out["Content-Type"])
}
