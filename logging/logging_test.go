package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/romshark/aleth-go/logging"
)

func TestParseLevel(t *testing.T) {
	for input, expect := range map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"D":     zapcore.DebugLevel,
		"debug": zapcore.DebugLevel,
		"V":     zapcore.DebugLevel,
		"I":     zapcore.InfoLevel,
		"W":     zapcore.WarnLevel,
		"E":     zapcore.ErrorLevel,
		"?":     zapcore.InfoLevel,
	} {
		assert.Equal(t, expect, logging.ParseLevel(input), "input %q", input)
	}
}

func TestNewHonorsEnv(t *testing.T) {
	t.Setenv("ALETH_LOG", "E")
	t.Setenv("ALETH_LOG_LOUD", "D")

	quiet := logging.New("quiet")
	assert.False(t, quiet.Core().Enabled(zapcore.WarnLevel))
	assert.True(t, quiet.Core().Enabled(zapcore.ErrorLevel))

	loud := logging.New("loud")
	assert.True(t, loud.Core().Enabled(zapcore.DebugLevel))
}

func TestOr(t *testing.T) {
	fallback := zap.NewNop()
	assert.Same(t, fallback, logging.Or(nil, fallback))

	l := zap.NewExample()
	assert.Same(t, l, logging.Or(l, fallback))
}
