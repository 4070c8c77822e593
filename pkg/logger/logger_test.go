package logger

import (
    "bytes"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestWithFieldsEmitsAllFields(t *testing.T) {
    require.NoError(t, Init(Config{Level: "debug", Format: "json"}))

    l := WithFields(map[string]interface{}{
        "sweep":  3,
        "action": "orphan-release",
    })

    var buf bytes.Buffer
    l.SetOutput(&buf)
    l.Info("sweep finished")

    out := buf.String()
    assert.Contains(t, out, `"sweep":3`)
    assert.Contains(t, out, `"action":"orphan-release"`)
    assert.Contains(t, out, `"message":"sweep finished"`)
}

func TestWithFieldsUsableBeforeInit(t *testing.T) {
    saved := defaultLogger
    defaultLogger = nil
    defer func() { defaultLogger = saved }()

    l := WithFields(map[string]interface{}{"k": "v"})
    require.NotNil(t, l)

    var buf bytes.Buffer
    l.SetOutput(&buf)
    l.Info("still works")
    assert.Contains(t, buf.String(), "still works")
}
