package avatar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatarengine/internal/bus"
	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/rig"
	"github.com/normanking/avatarengine/internal/scene"
)

func TestSubscribeBusPostsSignals(t *testing.T) {
	b := bus.NewEventBus()
	c := newController(t, newCache(t, newGatedFetcher(), false), Options{})
	c.SubscribeBus(b)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	b.PublishSync(bus.Event{Type: bus.EventTypeEmotionChanged, Data: map[string]any{bus.KeyEmotion: "joy", bus.KeyIntensity: 60.0}})
	b.PublishSync(bus.Event{Type: bus.EventTypeResized, Data: map[string]any{bus.KeyWidth: 40, bus.KeyHeight: 20}})
	b.PublishSync(bus.Event{Type: bus.EventTypeBackgroundChanged, Data: map[string]any{
		bus.KeyBackground: scene.Background{Mode: scene.BackgroundColor},
	}})
	b.PublishSync(bus.Event{Type: bus.EventTypeSpeakingStarted, Data: map[string]any{
		bus.KeyPhonemes: []expression.Phoneme{{Symbol: "AA", StartMs: 0, EndMs: 400}},
	}})
	require.NoError(t, c.Tick(1.0/60))

	e, intensity := c.Expression().Emotion()
	assert.Equal(t, expression.Happy, e)
	assert.Equal(t, float32(60), intensity)
	assert.True(t, c.Expression().Speaking())
	assert.Equal(t, 40, c.Scene().Frame().Width)
	assert.Equal(t, scene.BackgroundColor, c.Scene().Background().Mode)

	b.PublishSync(bus.Event{Type: bus.EventTypeEmotionChanged, Data: map[string]any{bus.KeyEmotion: "bogus"}})
	b.PublishSync(bus.Event{Type: bus.EventTypeSpeakingStopped})
	require.NoError(t, c.Tick(1.0/60))
	e, _ = c.Expression().Emotion()
	assert.Equal(t, expression.Happy, e)
	assert.False(t, c.Expression().Speaking())
}

func TestSubscribeBusLoadsAvatar(t *testing.T) {
	b := bus.NewEventBus()
	c := newController(t, newCache(t, newGatedFetcher(), false), Options{})
	c.SubscribeBus(b)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	b.PublishSync(bus.Event{Type: bus.EventTypeAvatarChanged, Data: map[string]any{bus.KeyURL: "x.vrm"}})
	b.PublishSync(bus.Event{Type: bus.EventTypeMoodChanged, Data: map[string]any{bus.KeyMood: 90.0}})
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })
	assert.Equal(t, "x.vrm", c.Rig().Name)
	assert.Equal(t, expression.Excited, emotionOf(c))

	for i := 0; i < 60; i++ {
		require.NoError(t, c.Tick(1.0/60))
	}
	assert.Greater(t, c.Rig().Weights[rig.Happy], float32(0.4))
}

func TestAssetChangedReloadsOnlyCurrentAvatar(t *testing.T) {
	b := bus.NewEventBus()
	f := newGatedFetcher()
	c := newController(t, newCache(t, f, false), Options{AvatarURL: "x.vrm"})
	c.SubscribeBus(b)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })

	b.PublishSync(bus.Event{Type: bus.EventTypeAssetChanged, Data: map[string]any{bus.KeyURL: "other.vrm"}})
	require.NoError(t, c.Tick(1.0/60))
	assert.Equal(t, StatusReady, c.Status())

	b.PublishSync(bus.Event{Type: bus.EventTypeAssetChanged, Data: map[string]any{bus.KeyURL: "x.vrm"}})
	require.NoError(t, c.Tick(1.0/60))
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.calls["x.vrm"])
	assert.Zero(t, f.calls["other.vrm"])
}
