package expression

import (
	"strings"

	"github.com/normanking/avatarengine/internal/rig"
)

// Phoneme is one timed ARPAbet symbol from a speech engine.
type Phoneme struct {
	Symbol  string `json:"symbol"`
	StartMs int    `json:"startMs"`
	EndMs   int    `json:"endMs"`
}

type mouthShape struct {
	channel rig.Channel
	weight  float32
}

// phonemeShapes maps ARPAbet symbols onto the five mouth channels.
// Consonants reuse the nearest vowel shape at reduced weight; closed-lip
// consonants and silence are absent and leave the mouth shut.
var phonemeShapes = map[string]mouthShape{
	// open vowels
	"AA": {rig.Aa, 1}, "AE": {rig.Aa, 0.9}, "AH": {rig.Aa, 0.8}, "AW": {rig.Aa, 0.9}, "AY": {rig.Aa, 0.9}, "HH": {rig.Aa, 0.4},

	// rounded and pursed
	"AO": {rig.Oh, 1}, "OW": {rig.Oh, 0.9},
	"UH": {rig.Ou, 0.9}, "UW": {rig.Ou, 1}, "OY": {rig.Ou, 0.8},
	"W": {rig.Ou, 0.7}, "R": {rig.Ou, 0.45}, "ER": {rig.Ou, 0.6},
	"CH": {rig.Ou, 0.5}, "JH": {rig.Ou, 0.5}, "SH": {rig.Ou, 0.5}, "ZH": {rig.Ou, 0.5},

	// spread
	"IY": {rig.Ih, 1}, "EY": {rig.Ee, 0.9}, "IH": {rig.Ih, 0.8}, "EH": {rig.Ee, 0.8}, "Y": {rig.Ih, 0.6},
	"S": {rig.Ih, 0.35}, "Z": {rig.Ih, 0.35}, "T": {rig.Ih, 0.3}, "D": {rig.Ih, 0.3},
	"N": {rig.Ih, 0.3}, "L": {rig.Ih, 0.35}, "TH": {rig.Ee, 0.35}, "DH": {rig.Ee, 0.35},

	// back of the mouth
	"K": {rig.Aa, 0.35}, "G": {rig.Aa, 0.35}, "NG": {rig.Aa, 0.25},
	"F": {rig.Ih, 0.2}, "V": {rig.Ih, 0.2},
}

// PhonemeShape returns the mouth channel and weight for an ARPAbet symbol.
// Stress digits are ignored. Silence, bilabials and unknown symbols report
// false.
func PhonemeShape(symbol string) (rig.Channel, float32, bool) {
	symbol = strings.ToUpper(strings.TrimRight(symbol, "012"))
	s, ok := phonemeShapes[symbol]
	return s.channel, s.weight, ok
}

// PhonemesToVisemes converts a phoneme timeline into a viseme track.
// Phonemes that close the mouth produce no viseme, so the envelope of the
// neighbours closes it.
func PhonemesToVisemes(phonemes []Phoneme) []Viseme {
	track := make([]Viseme, 0, len(phonemes))
	for _, p := range phonemes {
		ch, w, ok := PhonemeShape(p.Symbol)
		if !ok || p.EndMs <= p.StartMs {
			continue
		}
		track = append(track, Viseme{
			Shape:    ch,
			Weight:   w,
			Offset:   float32(p.StartMs) / 1000,
			Duration: float32(p.EndMs-p.StartMs) / 1000,
		})
	}
	return track
}
