package local

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/language"
)

// Tier names a local model size.
type Tier string

const (
	TierTiny   Tier = "tiny"
	TierBase   Tier = "base"
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// TierInfo describes the cost and coverage of one model tier.
type TierInfo struct {
	Tier     Tier
	MemoryMB int
	// RelativeSpeed is realtime throughput relative to TierLarge.
	RelativeSpeed float64
	Accuracy      int
	// MinQuality is the weakest catalog quality this tier still handles.
	MinQuality language.Quality
}

var tiers = []TierInfo{
	{Tier: TierTiny, MemoryMB: 75, RelativeSpeed: 32, Accuracy: 1, MinQuality: language.QualityExcellent},
	{Tier: TierBase, MemoryMB: 142, RelativeSpeed: 16, Accuracy: 2, MinQuality: language.QualityGood},
	{Tier: TierSmall, MemoryMB: 466, RelativeSpeed: 6, Accuracy: 3, MinQuality: language.QualityBasic},
	{Tier: TierMedium, MemoryMB: 1500, RelativeSpeed: 2, Accuracy: 4, MinQuality: language.QualityBasic},
	{Tier: TierLarge, MemoryMB: 2900, RelativeSpeed: 1, Accuracy: 5, MinQuality: language.QualityBasic},
}

// Tiers lists every tier from smallest to largest.
func Tiers() []TierInfo {
	return append([]TierInfo(nil), tiers...)
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := t.Info(); ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown model tier %q", s)
}

func (t Tier) Info() (TierInfo, bool) {
	for _, info := range tiers {
		if info.Tier == t {
			return info, true
		}
	}
	return TierInfo{}, false
}

// Covers reports whether the tier can transcribe code with acceptable quality.
func (t Tier) Covers(reg *language.Registry, code string) bool {
	info, ok := t.Info()
	if !ok {
		return false
	}
	q := reg.Quality(language.BackendLocal, code)
	return q != language.QualityNone && q >= info.MinQuality
}

// SmallestCovering returns the cheapest tier that covers code.
func SmallestCovering(reg *language.Registry, code string) (Tier, bool) {
	for _, info := range tiers {
		if info.Tier.Covers(reg, code) {
			return info.Tier, true
		}
	}
	return "", false
}

// ForPreference maps an accuracy/speed preference onto a default tier.
func ForPreference(pref string) Tier {
	switch strings.ToLower(pref) {
	case "speed", "fast", "low":
		return TierTiny
	case "accuracy", "high":
		return TierSmall
	case "max", "maximum":
		return TierMedium
	default:
		return TierBase
	}
}
