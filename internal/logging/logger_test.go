package logging

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.Console = false
	cfg.Level = LevelDebug
	cfg.MaxHistory = 3
	return cfg
}

func TestComponentLogsReachFileAndHistory(t *testing.T) {
	l, err := New(quietConfig(t.TempDir()))
	require.NoError(t, err)

	log := l.Component("loader")
	log.Info().Str("url", "a.vrm").Int("vertices", 8).Msg("avatar ready")
	log.Warn().Err(errors.New("404")).Msg("fetch failed")
	require.NoError(t, l.Close())

	hist := l.GetHistory(2)
	require.Len(t, hist, 2)
	assert.Equal(t, "loader", hist[0].Component)
	assert.Equal(t, "info", hist[0].Level)
	assert.Equal(t, "avatar ready", hist[0].Message)
	assert.Equal(t, "url=a.vrm, vertices=8", hist[0].Data)
	assert.Equal(t, "error=404", hist[1].Data)

	data, err := os.ReadFile(l.GetLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"loader"`)
	assert.Contains(t, string(data), `"message":"fetch failed"`)
}

func TestHistoryIsBounded(t *testing.T) {
	l, err := New(quietConfig(""))
	require.NoError(t, err)
	zl := l.Zerolog()
	for i := 0; i < 10; i++ {
		zl.Info().Int("i", i).Msg("tick")
	}
	hist := l.GetHistory(0)
	require.Len(t, hist, 3)
	assert.Equal(t, "i=9", hist[2].Data)
	assert.Empty(t, l.GetLogPath())
}

func TestLevelFilters(t *testing.T) {
	cfg := quietConfig("")
	cfg.Level = LevelWarn
	l, err := New(cfg)
	require.NoError(t, err)

	scene := l.Component("scene")
	scene.Info().Msg("hidden")
	scene.Error().Msg("shown")
	hist := l.GetHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, "shown", hist[0].Message)
}

func TestOnLogCallback(t *testing.T) {
	l, err := New(quietConfig(""))
	require.NoError(t, err)
	got := make(chan LogEntry, 1)
	l.SetOnLog(func(e LogEntry) { got <- e })
	avatar := l.Component("avatar")
	avatar.Info().Msg("mounted")

	select {
	case e := <-got:
		assert.Equal(t, "avatar", e.Component)
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []LogLevel{"", "debug", "INFO", "warn", "error"} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
