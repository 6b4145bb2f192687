package domain

// EffectConfig is the structured audio effect chain configuration. The
// enumerated shorthand values (none/robot/alien/echo/reverb/pitchup/
// pitchdown) are expanded into this struct by EffectConfigFromName before
// being handed to the filter-chain builder.
type EffectConfig struct {
	PitchSemitones float64 // maps to atempo
	Reverb         float64 // 0..1, echo-filter reverb-strength mapping
	Distortion     float64 // 0..1, compressor proxy
	Echo           bool
	Tremolo        bool
	Vibrato        bool
	Robot          bool
	Alien          bool
}

// IsZero reports whether no effect is configured, letting callers skip
// filter-chain construction entirely.
func (e EffectConfig) IsZero() bool {
	return e == EffectConfig{}
}

// EffectConfigFromName expands one of the enumerated shorthand effect names
// into a structured EffectConfig. Unknown names yield the zero value (no
// effect), matching "none".
func EffectConfigFromName(name string) EffectConfig {
	switch name {
	case "robot":
		return EffectConfig{Robot: true}
	case "alien":
		return EffectConfig{Alien: true}
	case "echo":
		return EffectConfig{Echo: true}
	case "reverb":
		return EffectConfig{Reverb: 0.5}
	case "pitchup":
		return EffectConfig{PitchSemitones: 4}
	case "pitchdown":
		return EffectConfig{PitchSemitones: -4}
	default:
		return EffectConfig{}
	}
}
