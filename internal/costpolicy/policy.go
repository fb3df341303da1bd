package costpolicy

import (
	"errors"
	"fmt"
)

// Mode selects how speech turn boundaries are established.
type Mode string

const (
	// ModeAutoDetect lets the upstream voice-activity detector decide when
	// the user has finished speaking.
	ModeAutoDetect Mode = "auto-detect"
	// ModePushToTalk requires the client to mark turn boundaries explicitly
	// with a press gesture; no server-side silence detection runs.
	ModePushToTalk Mode = "push-to-talk"
)

// PresetName identifies one of the named cost/latency trade-off presets.
type PresetName string

const (
	PresetCostOptimized PresetName = "cost-optimized"
	PresetBalanced      PresetName = "balanced"
	PresetPushToTalk    PresetName = "push-to-talk"
)

var ErrUnknownPreset = errors.New("unknown cost preset")

// VoiceDetection holds server-side VAD tuning. Meaningful only in
// auto-detect mode.
type VoiceDetection struct {
	Enabled           bool    `json:"enabled"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// ContextLimits bounds the conversational context the upstream model must
// re-process on each turn.
type ContextLimits struct {
	MaxHistoryItems   int `json:"max_history_items"`
	MaxResponseTokens int `json:"max_response_tokens"`
}

type PromptCache struct {
	Enabled bool `json:"enabled"`
}

// Policy is an immutable cost-control configuration bound to a realtime
// session at connect time.
type Policy struct {
	Preset         PresetName     `json:"preset"`
	Mode           Mode           `json:"mode"`
	VoiceDetection VoiceDetection `json:"voice_detection"`
	Context        ContextLimits  `json:"context"`
	PromptCache    PromptCache    `json:"prompt_cache"`
}

// EffectiveVoiceDetection resolves the VAD block actually sent upstream.
// Push-to-talk implies no server-side silence detection regardless of the
// stored block, and a disabled block is omitted entirely rather than passed
// with stale thresholds.
func (p Policy) EffectiveVoiceDetection() (VoiceDetection, bool) {
	if p.Mode == ModePushToTalk || !p.VoiceDetection.Enabled {
		return VoiceDetection{}, false
	}
	return p.VoiceDetection, true
}

// Validate checks the value ranges the broker and transport rely on.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeAutoDetect, ModePushToTalk:
	default:
		return fmt.Errorf("invalid mode %q", p.Mode)
	}
	if vd, ok := p.EffectiveVoiceDetection(); ok {
		if vd.Threshold < 0 || vd.Threshold > 1 {
			return fmt.Errorf("vad threshold %v out of [0,1]", vd.Threshold)
		}
		if vd.PrefixPaddingMS < 0 || vd.SilenceDurationMS < 0 {
			return errors.New("vad padding and silence durations must be >= 0")
		}
	}
	if p.Context.MaxHistoryItems < 1 {
		return errors.New("max_history_items must be >= 1")
	}
	if p.Context.MaxResponseTokens < 1 {
		return errors.New("max_response_tokens must be >= 1")
	}
	return nil
}

var presets = map[PresetName]Policy{
	PresetCostOptimized: {
		Preset: PresetCostOptimized,
		Mode:   ModeAutoDetect,
		VoiceDetection: VoiceDetection{
			Enabled:           true,
			Threshold:         0.6,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 700,
		},
		Context: ContextLimits{
			MaxHistoryItems:   20,
			MaxResponseTokens: 2048,
		},
		PromptCache: PromptCache{Enabled: true},
	},
	PresetBalanced: {
		Preset: PresetBalanced,
		Mode:   ModeAutoDetect,
		VoiceDetection: VoiceDetection{
			Enabled:           true,
			Threshold:         0.4,
			PrefixPaddingMS:   500,
			SilenceDurationMS: 400,
		},
		Context: ContextLimits{
			MaxHistoryItems:   50,
			MaxResponseTokens: 4096,
		},
		PromptCache: PromptCache{Enabled: true},
	},
	PresetPushToTalk: {
		Preset: PresetPushToTalk,
		Mode:   ModePushToTalk,
		VoiceDetection: VoiceDetection{
			Enabled: false,
		},
		Context: ContextLimits{
			MaxHistoryItems:   15,
			MaxResponseTokens: 1024,
		},
		PromptCache: PromptCache{Enabled: true},
	},
}

// ForPreset returns the fully populated policy for a named preset.
func ForPreset(name PresetName) (Policy, error) {
	p, ok := presets[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return p, nil
}

// Default is the cost-optimized policy used when no preset is requested.
func Default() Policy {
	return presets[PresetCostOptimized]
}

// Names lists the known presets in a stable order for UI surfaces.
func Names() []PresetName {
	return []PresetName{PresetCostOptimized, PresetBalanced, PresetPushToTalk}
}
