// Package tier evaluates what a user may do from the tier information the backend reports.
//
// All functions are pure: they read a *model.TierInfo and nothing else. A nil TierInfo
// is treated as absent and yields the least-privileged answer.
package tier

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mtaalamux/client/internal/model"
)

// Upgrade call-to-action labels.
const (
	CTAUpgrade = "Upgrade"
	CTAPremium = "Premium"
)

// Feature names accepted by CanAccess.
type Feature string

const (
	FeatureConsultation Feature = "consultation"
	FeaturePostContent  Feature = "post_content"
	FeatureSellItems    Feature = "sell_items"
	FeatureMessages     Feature = "messages"
)

// Effective resolves the single tier the user holds.
//
// Explicit flags win over the tier string. When several flags are set the lowest tier wins,
// and a tier string contradicted by its own false flag degrades to basic.
func Effective(info *model.TierInfo) model.Tier {
	if info == nil {
		return model.TierBasic
	}
	plusFlag := info.IsPlus
	if plusFlag == nil {
		plusFlag = info.IsProfessional
	}
	switch {
	case isTrue(info.IsBasic):
		return model.TierBasic
	case isTrue(plusFlag):
		return model.TierPlus
	case isTrue(info.IsPremium):
		return model.TierPremium
	}

	t := model.Tier(info.Tier)
	switch t {
	case model.TierPlus:
		if isFalse(plusFlag) {
			return model.TierBasic
		}
		return t
	case model.TierPremium:
		if isFalse(info.IsPremium) {
			return model.TierBasic
		}
		return t
	}
	return model.TierBasic
}

// IsBasic reports whether the user is on the basic tier.
func IsBasic(info *model.TierInfo) bool { return Effective(info) == model.TierBasic }

// IsPlus reports whether the user is on the plus tier.
func IsPlus(info *model.TierInfo) bool { return Effective(info) == model.TierPlus }

// IsProfessional is the legacy name of IsPlus.
func IsProfessional(info *model.TierInfo) bool { return IsPlus(info) }

// IsPremium reports whether the user is on the premium tier.
func IsPremium(info *model.TierInfo) bool { return Effective(info) == model.TierPremium }

// CanInitiateConsultation honours the server flag when present; otherwise plus and premium may.
func CanInitiateConsultation(info *model.TierInfo) bool {
	if info != nil && info.CanInitiateConsultation != nil {
		return *info.CanInitiateConsultation
	}
	return Effective(info).Rank() >= model.TierPlus.Rank()
}

// CanPostContent honours the server flag when present; otherwise premium only.
func CanPostContent(info *model.TierInfo) bool {
	if info != nil && info.CanPostContent != nil {
		return *info.CanPostContent
	}
	return IsPremium(info)
}

// CanSellItems honours the server flag when present; otherwise premium only.
func CanSellItems(info *model.TierInfo) bool {
	if info != nil && info.CanSellItems != nil {
		return *info.CanSellItems
	}
	return IsPremium(info)
}

// CanMessage gates the whole messaging surface.
func CanMessage(info *model.TierInfo) bool {
	return IsPlus(info) || IsPremium(info)
}

// IsVerified reports the server's verification badge.
func IsVerified(info *model.TierInfo) bool {
	return info != nil && info.IsVerified
}

// CanAccess maps a feature name to its capability check. Unknown features are denied.
func CanAccess(info *model.TierInfo, f Feature) bool {
	switch f {
	case FeatureConsultation:
		return CanInitiateConsultation(info)
	case FeaturePostContent:
		return CanPostContent(info)
	case FeatureSellItems:
		return CanSellItems(info)
	case FeatureMessages:
		return CanMessage(info)
	}
	return false
}

// UpgradeCTA returns the label of the next upgrade, or "" when none exists.
func UpgradeCTA(info *model.TierInfo) string {
	switch Effective(info) {
	case model.TierBasic:
		return CTAUpgrade
	case model.TierPlus:
		return CTAPremium
	}
	return ""
}

// NextTier returns the tier an upgrade would move to, or "" at the top.
func NextTier(info *model.TierInfo) model.Tier {
	switch Effective(info) {
	case model.TierBasic:
		return model.TierPlus
	case model.TierPlus:
		return model.TierPremium
	}
	return ""
}

// DisplayTier returns the server label, else the capitalized tier name, else "Basic".
func DisplayTier(info *model.TierInfo) string {
	if info == nil {
		return "Basic"
	}
	if info.DisplayTier != "" {
		return info.DisplayTier
	}
	if info.Tier != "" {
		return cases.Title(language.Und).String(info.Tier)
	}
	return "Basic"
}

func isTrue(b *bool) bool  { return b != nil && *b }
func isFalse(b *bool) bool { return b != nil && !*b }

// InfoFor builds the full tier information the backend reports for an account holding t.
// Every flag is explicit so clients never fall back to defaults.
func InfoFor(t model.Tier, verified bool) *model.TierInfo {
	if !t.Valid() {
		t = model.TierBasic
	}
	plus := t == model.TierPlus
	premium := t == model.TierPremium
	return &model.TierInfo{
		Tier:                    string(t),
		DisplayTier:             cases.Title(language.Und).String(string(t)),
		IsBasic:                 model.Bool(t == model.TierBasic),
		IsPlus:                  model.Bool(plus),
		IsProfessional:          model.Bool(plus),
		IsPremium:               model.Bool(premium),
		CanInitiateConsultation: model.Bool(plus || premium),
		CanPostContent:          model.Bool(premium),
		CanSellItems:            model.Bool(premium),
		IsVerified:              verified,
	}
}
