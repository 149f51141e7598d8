package modelrouter

import "strings"

// Tier names, fixed per spec §3.
const (
	TierLight  = "light"
	TierMedium = "medium"
	TierHeavy  = "heavy"
)

// Match holds a rule's optional criteria; a nil pointer means "don't care".
type Match struct {
	Model           string // glob, trailing "*" supported; "" matches any
	HasTools        *bool
	HasVision       *bool
	MaxTokensGte    *int
	MessageCountGte *int
	SystemLengthGte *int
}

// Rule is one entry of modelRouting.rules[]. CatchAll rules have an empty
// Match and always match; exactly one must exist, last in the list.
type Rule struct {
	Match    Match
	Tier     string
	CatchAll bool
}

// Matches reports whether every non-nil field of r.Match is satisfied by f.
func (r Rule) Matches(f Features) bool {
	if r.CatchAll {
		return true
	}
	if r.Match.Model != "" && !globMatch(r.Match.Model, f.Model) {
		return false
	}
	if r.Match.HasTools != nil && *r.Match.HasTools != f.HasTools {
		return false
	}
	if r.Match.HasVision != nil && *r.Match.HasVision != f.HasVision {
		return false
	}
	if r.Match.MaxTokensGte != nil && f.MaxTokens < *r.Match.MaxTokensGte {
		return false
	}
	if r.Match.MessageCountGte != nil && f.MessageCount < *r.Match.MessageCountGte {
		return false
	}
	if r.Match.SystemLengthGte != nil && f.SystemLength < *r.Match.SystemLengthGte {
		return false
	}
	return true
}

// globMatch supports only a trailing "*" wildcard, per spec §4.4 ("Rule-match
// glob supports * suffix") — deliberately not a general glob library (see
// DESIGN.md's Open Question decision).
func globMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == s
}

// Classify walks rules in order and returns the tier of the first match,
// along with that rule. rules must end with a catch-all; callers that build
// Rule slices should enforce this at config-load time.
func Classify(rules []Rule, f Features) (tier string, matched Rule) {
	for _, r := range rules {
		if r.Matches(f) {
			return r.Tier, r
		}
	}
	return TierLight, Rule{CatchAll: true, Tier: TierLight}
}

// ClientModelPolicy controls whether tier classification applies
// unconditionally or only when a non-catch-all rule matched.
type ClientModelPolicy string

const (
	PolicyAlwaysRoute   ClientModelPolicy = "always-route"
	PolicyRuleMatchOnly ClientModelPolicy = "rule-match-only"
)

// ResolveTier applies policy on top of Classify's result: rule-match-only
// means a request that only matched the catch-all is not routed at all (the
// caller should use the client's original model verbatim).
func ResolveTier(rules []Rule, f Features, policy ClientModelPolicy) (tier string, routed bool) {
	tier, rule := Classify(rules, f)
	if policy == PolicyRuleMatchOnly && rule.CatchAll {
		return "", false
	}
	return tier, true
}

// ComplexityUpgrade is the optional post-classification upgrade to heavy.
type ComplexityUpgrade struct {
	Enabled         bool
	AllowedFamilies []string // empty = all families eligible
	MaxTokensGte    *int
	HasTools        *bool
	HasVision       *bool
	MessageCountGte *int
	SystemLengthGte *int
}

// Apply upgrades tier to heavy if cfg is enabled, the model's family is
// allowed, and any one threshold is met. Returns the (possibly unchanged)
// tier and the reason recorded, or "" if no upgrade occurred.
func (cfg ComplexityUpgrade) Apply(tier, model string, f Features) (string, string) {
	if !cfg.Enabled || tier == TierHeavy {
		return tier, ""
	}
	if len(cfg.AllowedFamilies) > 0 && !containsString(cfg.AllowedFamilies, ModelFamily(model)) {
		return tier, ""
	}

	if cfg.HasTools != nil && *cfg.HasTools && f.HasTools {
		return TierHeavy, "has_tools"
	}
	if cfg.HasVision != nil && *cfg.HasVision && f.HasVision {
		return TierHeavy, "has_vision"
	}
	if cfg.MaxTokensGte != nil && f.MaxTokens >= *cfg.MaxTokensGte {
		return TierHeavy, "max_tokens"
	}
	if cfg.MessageCountGte != nil && f.MessageCount >= *cfg.MessageCountGte {
		return TierHeavy, "message_count"
	}
	if cfg.SystemLengthGte != nil && f.SystemLength >= *cfg.SystemLengthGte {
		return TierHeavy, "system_length"
	}
	return tier, ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
