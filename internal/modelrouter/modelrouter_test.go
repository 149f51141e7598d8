package modelrouter

import (
	"testing"
	"time"
)

func TestExtractFeatures_BasicFields(t *testing.T) {
	body := map[string]interface{}{
		"model":      "claude-opus-4",
		"max_tokens": float64(4096),
		"tools":      []interface{}{map[string]interface{}{"name": "search"}},
		"messages": []interface{}{
			map[string]interface{}{"role": "system", "content": "be terse"},
			map[string]interface{}{"role": "user", "content": "hello"},
		},
	}
	f := ExtractFeatures(body)
	if f.Model != "claude-opus-4" || f.MaxTokens != 4096 || !f.HasTools || f.MessageCount != 2 || f.SystemLength != len("be terse") {
		t.Fatalf("unexpected features: %+v", f)
	}
}

func TestExtractFeatures_VisionContentBlock(t *testing.T) {
	body := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{
				"role": "user",
				"content": []interface{}{
					map[string]interface{}{"type": "image", "source": "..."},
				},
			},
		},
	}
	f := ExtractFeatures(body)
	if !f.HasVision {
		t.Fatal("expected HasVision = true for an image content block")
	}
}

func TestGlobMatch_TrailingWildcard(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"claude-*", "claude-opus-4", true},
		{"claude-*", "gpt-4", false},
		{"*", "anything", true},
		{"gpt-4", "gpt-4", true},
		{"gpt-4", "gpt-4o", false},
	}
	for _, c := range cases {
		if got := globMatch(c.pattern, c.s); got != c.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	rules := []Rule{
		{Match: Match{Model: "claude-opus-*"}, Tier: TierHeavy},
		{Match: Match{HasVision: boolPtr(true)}, Tier: TierHeavy},
		{CatchAll: true, Tier: TierLight},
	}
	tier, rule := Classify(rules, Features{Model: "claude-opus-4"})
	if tier != TierHeavy || rule.CatchAll {
		t.Fatalf("tier = %q catchAll = %v, want heavy via model rule", tier, rule.CatchAll)
	}

	tier, rule = Classify(rules, Features{Model: "gpt-4", HasVision: true})
	if tier != TierHeavy {
		t.Fatalf("tier = %q, want heavy via vision rule", tier)
	}

	tier, rule = Classify(rules, Features{Model: "gpt-4"})
	if tier != TierLight || !rule.CatchAll {
		t.Fatalf("tier = %q catchAll = %v, want light via catch-all", tier, rule.CatchAll)
	}
}

func TestResolveTier_RuleMatchOnlyRejectsCatchAll(t *testing.T) {
	rules := []Rule{{CatchAll: true, Tier: TierLight}}
	_, routed := ResolveTier(rules, Features{Model: "anything"}, PolicyRuleMatchOnly)
	if routed {
		t.Fatal("expected rule-match-only policy to reject a catch-all-only match")
	}

	_, routed = ResolveTier(rules, Features{Model: "anything"}, PolicyAlwaysRoute)
	if !routed {
		t.Fatal("expected always-route policy to route even on catch-all")
	}
}

func TestComplexityUpgrade_UpgradesOnToolsWithinAllowedFamily(t *testing.T) {
	cfg := ComplexityUpgrade{Enabled: true, AllowedFamilies: []string{"claude-sonnet"}, HasTools: boolPtr(true)}
	tier, reason := cfg.Apply(TierMedium, "claude-sonnet-4", Features{HasTools: true})
	if tier != TierHeavy || reason != "has_tools" {
		t.Fatalf("tier=%q reason=%q, want heavy/has_tools", tier, reason)
	}

	tier, reason = cfg.Apply(TierMedium, "gpt-4", Features{HasTools: true})
	if tier != TierMedium || reason != "" {
		t.Fatalf("tier=%q reason=%q, want unchanged (family not allowed)", tier, reason)
	}
}

func TestTier_ThroughputPicksLowestUtilization(t *testing.T) {
	a := NewModel("a", TierMedium, 10)
	b := NewModel("b", TierMedium, 10)
	a.reserve(time.Now())
	a.reserve(time.Now())
	tier := NewTier(TierMedium, StrategyThroughput, []*Model{a, b})

	picked := tier.Select(time.Now())
	if picked.ID != "b" {
		t.Fatalf("picked %q, want b (lower utilization)", picked.ID)
	}
}

func TestTier_QualityWalksPriorityOrder(t *testing.T) {
	a := NewModel("a", TierHeavy, 1)
	b := NewModel("b", TierHeavy, 1)
	a.reserve(time.Now()) // a is now at capacity
	tier := NewTier(TierHeavy, StrategyQuality, []*Model{a, b})

	picked := tier.Select(time.Now())
	if picked.ID != "b" {
		t.Fatalf("picked %q, want b (a exhausted)", picked.ID)
	}
}

func TestTier_BalancedRoundRobins(t *testing.T) {
	a := NewModel("a", TierLight, 10)
	b := NewModel("b", TierLight, 10)
	tier := NewTier(TierLight, StrategyBalanced, []*Model{a, b})

	first := tier.Select(time.Now())
	second := tier.Select(time.Now())
	if first.ID == second.ID {
		t.Fatal("expected balanced strategy to alternate between models")
	}
}

func TestRouter_DowngradesOnTierExhaustion(t *testing.T) {
	heavyModel := NewModel("heavy-1", TierHeavy, 1)
	heavyModel.reserve(time.Now()) // exhausted
	lightModel := NewModel("light-1", TierLight, 10)

	tiers := map[string]*Tier{
		TierHeavy: NewTier(TierHeavy, StrategyThroughput, []*Model{heavyModel}),
		TierLight: NewTier(TierLight, StrategyThroughput, []*Model{lightModel}),
	}
	cfg := Config{
		Enabled: true,
		Rules:   []Rule{{CatchAll: true, Tier: TierHeavy}},
		Cooldown: DefaultModelCooldownConfig(),
	}
	r := New(cfg, tiers)
	r.startedAt = time.Now().Add(-2 * time.Minute) // past warmup

	res, err := r.Route(Features{Model: "x"}, time.Now())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if res.Model.ID != "light-1" {
		t.Fatalf("model = %q, want light-1 via downgrade", res.Model.ID)
	}
	foundFailover := false
	for _, e := range res.Events {
		if e.Kind == "failover" {
			foundFailover = true
		}
	}
	if !foundFailover {
		t.Error("expected a failover event to be recorded")
	}
	r.Release(res, ModelOutcomeSuccess, time.Now())
}

func TestRouter_SkipsDowngradeDuringWarmup(t *testing.T) {
	heavyModel := NewModel("heavy-1", TierHeavy, 1)
	heavyModel.reserve(time.Now())
	lightModel := NewModel("light-1", TierLight, 10)

	tiers := map[string]*Tier{
		TierHeavy: NewTier(TierHeavy, StrategyThroughput, []*Model{heavyModel}),
		TierLight: NewTier(TierLight, StrategyThroughput, []*Model{lightModel}),
	}
	cfg := Config{Enabled: true, Rules: []Rule{{CatchAll: true, Tier: TierHeavy}}, Cooldown: DefaultModelCooldownConfig()}
	r := New(cfg, tiers) // startedAt defaults to now: still warming up

	_, err := r.Route(Features{Model: "x"}, time.Now())
	if err == nil {
		t.Fatal("expected pool_exhausted during warmup with no downgrade")
	}
}

func TestModel_RateLimitedAppliesCooldownAndBurstDamp(t *testing.T) {
	m := NewModel("a", TierMedium, 10)
	cfg := ModelCooldownConfig{BaseMs: 100, CapMs: 10_000, DecayMs: 5000, BurstK: 3, BurstWindow: time.Second}
	now := time.Now()

	for i := 0; i < 3; i++ {
		m.recordRateLimited(cfg, now)
	}
	if !m.onCooldown(now) {
		t.Fatal("expected model on cooldown after 429s")
	}
	if !m.isBurstDampened() {
		t.Fatal("expected burst-dampened mode after 3 429s within window")
	}
}

func boolPtr(b bool) *bool { return &b }
