// Package expression maps emotions onto the rig's facial channels and
// drives blinking and lip-sync on their own timers.
package expression

import (
	"fmt"
	"strings"

	"github.com/normanking/avatarengine/internal/rig"
)

// Emotion is a discrete facial emotion. Each has a recipe over the rig's
// emotion channels.
type Emotion int

const (
	Neutral Emotion = iota
	Happy
	Sad
	Angry
	Surprised
	Love
	Relaxed
	Excited
	Shy
	Thinking
	Worried
	EmotionCount
)

var emotionNames = [EmotionCount]string{
	"neutral",
	"happy",
	"sad",
	"angry",
	"surprised",
	"love",
	"relaxed",
	"excited",
	"shy",
	"thinking",
	"worried",
}

var emotionAliases = map[string]Emotion{
	"joy":         Happy,
	"fun":         Relaxed,
	"calm":        Relaxed,
	"sorrow":      Sad,
	"surprise":    Surprised,
	"shocked":     Surprised,
	"mad":         Angry,
	"affection":   Love,
	"embarrassed": Shy,
	"curious":     Thinking,
	"nervous":     Worried,
	"anxious":     Worried,
	"concerned":   Worried,
}

func (e Emotion) String() string {
	if !e.Valid() {
		return "unknown"
	}
	return emotionNames[e]
}

func (e Emotion) Valid() bool {
	return e >= 0 && e < EmotionCount
}

// ParseEmotion resolves an emotion by name or alias, case-insensitively.
// The empty string is neutral.
func ParseEmotion(s string) (Emotion, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return Neutral, nil
	}
	for i, n := range emotionNames {
		if n == name {
			return Emotion(i), nil
		}
	}
	if e, ok := emotionAliases[name]; ok {
		return e, nil
	}
	return Neutral, fmt.Errorf("unknown emotion %q", s)
}

// EmotionChannels are the channels owned by emotion recipes.
var EmotionChannels = [...]rig.Channel{rig.Neutral, rig.Happy, rig.Angry, rig.Sad, rig.Relaxed, rig.Surprised}

type part struct {
	channel rig.Channel
	weight  float32
}

// recipes is indexed by Emotion. Every recipe sums to 1 and touches only
// EmotionChannels.
var recipes = [EmotionCount][]part{
	Neutral:   {{rig.Neutral, 1}},
	Happy:     {{rig.Happy, 1}},
	Sad:       {{rig.Sad, 1}},
	Angry:     {{rig.Angry, 1}},
	Surprised: {{rig.Surprised, 1}},
	Love:      {{rig.Happy, 0.7}, {rig.Relaxed, 0.3}},
	Relaxed:   {{rig.Relaxed, 1}},
	Excited:   {{rig.Happy, 0.6}, {rig.Surprised, 0.4}},
	Shy:       {{rig.Relaxed, 0.5}, {rig.Happy, 0.3}, {rig.Neutral, 0.2}},
	Thinking:  {{rig.Neutral, 0.7}, {rig.Sad, 0.2}, {rig.Surprised, 0.1}},
	Worried:   {{rig.Sad, 0.6}, {rig.Surprised, 0.4}},
}

// Recipe returns the full-intensity channel weights of e. Unknown emotions
// get the neutral recipe.
func Recipe(e Emotion) rig.Weights {
	if !e.Valid() {
		e = Neutral
	}
	var w rig.Weights
	for _, p := range recipes[e] {
		w[p.channel] += p.weight
	}
	return w
}

// Target scales the recipe of e by intensity (0..100) and gives the rest to
// the neutral channel, so intensity 0 is the neutral face for every emotion.
func Target(e Emotion, intensity float32) rig.Weights {
	s := rig.Clamp(intensity, 0, 100) / 100
	w := Recipe(e)
	w = w.Scale(s)
	w[rig.Neutral] += 1 - s
	return w
}

// EmotionFromMood turns a mood score in -100..100 into an emotion and an
// intensity. Scores close to zero are neutral.
func EmotionFromMood(score float32) (Emotion, float32) {
	score = rig.Clamp(score, -100, 100)
	switch {
	case score >= 70:
		return Excited, score
	case score >= 10:
		return Happy, score
	case score > -10:
		return Neutral, 0
	case score > -60:
		return Worried, -score
	default:
		return Sad, -score
	}
}
