package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    zapcore.Level
		wantErr bool
	}{
		{name: "default", cfg: DefaultConfig(), want: zapcore.InfoLevel},
		{name: "debug dev", cfg: Config{Level: "debug", Development: true, OutputPaths: []string{"stderr"}}, want: zapcore.DebugLevel},
		{name: "from kernel config", cfg: FromConfig(config.LogConfig{Level: "warn"}), want: zapcore.WarnLevel},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, l.Level())
		})
	}
}

func TestSetLevel(t *testing.T) {
	l := NewDefault()
	require.NoError(t, l.SetLevel("error"))
	assert.Equal(t, zapcore.ErrorLevel, l.Level())
	assert.Error(t, l.SetLevel("nope"))

	sub := l.Subsystem("vm")
	require.NoError(t, sub.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, l.Level(), "subsystems share the level")
}

func TestInstall(t *testing.T) {
	l := Nop()
	restore := Install(l)
	assert.Same(t, l.Logger, zap.L())
	restore()
	assert.NotSame(t, l.Logger, zap.L())
}

func TestWithSharesLevel(t *testing.T) {
	l := Nop()
	child := l.With(zap.String("boot_id", "boot_x")).Subsystem("vm")

	require.NoError(t, child.SetLevel("error"))
	assert.Equal(t, zapcore.ErrorLevel, l.Level())
}
