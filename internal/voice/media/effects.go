package media

import (
	"fmt"
	"math"
	"strings"

	"github.com/chatbot/voicecore/internal/voice/domain"
)

// BuildFilterChain concatenates ffmpeg-style audio filters from a structured
// EffectConfig into a single comma-joined filter argument. Returns "" when
// cfg is the zero value (no effect).
func BuildFilterChain(cfg domain.EffectConfig) string {
	if cfg.IsZero() {
		return ""
	}

	var filters []string

	if cfg.PitchSemitones != 0 {
		filters = append(filters, atempoFilter(cfg.PitchSemitones))
	}

	if cfg.Reverb > 0 {
		filters = append(filters, reverbFilter(cfg.Reverb))
	}

	if cfg.Distortion > 0 {
		filters = append(filters, distortionFilter(cfg.Distortion))
	}

	if cfg.Echo {
		filters = append(filters, "aecho=0.8:0.9:40|50:0.4|0.3")
	}

	if cfg.Tremolo {
		filters = append(filters, "tremolo=f=8:d=0.6")
	}

	if cfg.Vibrato {
		filters = append(filters, "vibrato=f=6:d=0.5")
	}

	if cfg.Robot {
		filters = append(filters, "afftfilt=real='hypot(re,im)':imag='0'", "asetrate=44100*0.9", "atempo=1.1")
	}

	if cfg.Alien {
		filters = append(filters, "asetrate=44100*1.25", "atempo=0.8", "aecho=0.6:0.6:30:0.4")
	}

	return strings.Join(filters, ",")
}

// atempoFilter maps a semitone shift onto ffmpeg's atempo rate multiplier.
// Each semitone is roughly a factor of 2^(1/12) in playback rate.
func atempoFilter(semitones float64) string {
	rate := math.Pow(2, semitones/12.0)
	return fmt.Sprintf("atempo=%.4f", rate)
}

func reverbFilter(strength float64) string {
	if strength > 1 {
		strength = 1
	}
	delay := 40 + int(strength*60)
	decay := 0.3 + strength*0.5
	return fmt.Sprintf("aecho=0.8:0.88:%d:%.2f", delay, decay)
}

func distortionFilter(amount float64) string {
	if amount > 1 {
		amount = 1
	}
	threshold := 1 - amount*0.8
	return fmt.Sprintf("acompressor=threshold=%.2f:ratio=9:attack=5:release=50", threshold)
}
