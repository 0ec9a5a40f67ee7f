package catalog

import (
	"math"
	"testing"
)

func TestEstimateTokensAppliesDefaultMargin(t *testing.T) {
	e := Entry{Provider: "openai", WholesaleRate: 0.0025, RateUnit: RateUnitPer1KTokensIn}
	wholesale, charge := e.EstimateTokens(1000, 0)
	if wholesale != 0.0025 {
		t.Fatalf("wholesale = %v, want 0.0025", wholesale)
	}
	// The charge is whole cents: round(cost × margin) to the nearest cent.
	want := math.Round(wholesale*DefaultMargin*100) / 100
	if got := charge.Dollars(); got < want-0.0001 || got > want+0.0001 {
		t.Fatalf("charge = %v, want ~%v", got, want)
	}
}

func TestEstimateTokensSplitsInputOutput(t *testing.T) {
	entries := []Entry{
		{Provider: "openai", WholesaleRate: 0.0025, RateUnit: RateUnitPer1KTokensIn, Margin: 1.0},
		{Provider: "openai", WholesaleRate: 0.0100, RateUnit: RateUnitPer1KTokensOut, Margin: 1.0},
	}
	inWholesale, _ := entries[0].EstimateTokens(2000, 0)
	outWholesale, _ := entries[1].EstimateTokens(0, 2000)
	if inWholesale != 0.005 {
		t.Fatalf("input wholesale = %v, want 0.005", inWholesale)
	}
	if outWholesale != 0.02 {
		t.Fatalf("output wholesale = %v, want 0.02", outWholesale)
	}
}

func TestEligibleFiltersPredicate(t *testing.T) {
	c := New()
	c.SetEntries(CapabilityChatCompletions, []Entry{
		{Provider: "openai", WholesaleRate: 0.0025, RateUnit: RateUnitPer1KTokensIn, Eligible: AlwaysEligible},
		{Provider: "byok-only", WholesaleRate: 0.001, RateUnit: RateUnitPer1KTokensIn, Eligible: func(in EligibilityInput) bool { return in.HasBYOK }},
	})

	noByok := c.Eligible(CapabilityChatCompletions, EligibilityInput{HasBYOK: false})
	if len(noByok) != 1 || noByok[0].Provider != "openai" {
		t.Fatalf("expected only openai eligible without BYOK, got %+v", noByok)
	}

	withByok := c.Eligible(CapabilityChatCompletions, EligibilityInput{HasBYOK: true})
	if len(withByok) != 2 {
		t.Fatalf("expected both entries eligible with BYOK, got %+v", withByok)
	}
}

func TestEntriesReturnsCopyNotSharedSlice(t *testing.T) {
	c := NewWithDefaults()
	entries := c.Entries(CapabilityChatCompletions)
	entries[0].Provider = "mutated"
	fresh := c.Entries(CapabilityChatCompletions)
	if fresh[0].Provider == "mutated" {
		t.Fatal("Entries leaked internal slice; mutation should not be visible")
	}
}

func TestDefaultEntriesCoverAllCapabilities(t *testing.T) {
	defaults := DefaultEntries()
	for _, cap := range []Capability{
		CapabilityChatCompletions, CapabilityEmbeddings, CapabilityAudioSTT,
		CapabilityAudioTTS, CapabilityImages, CapabilityVideo,
		CapabilityPhoneOutbound, CapabilitySMS, CapabilityMMS, CapabilityPhoneNumber,
	} {
		if len(defaults[cap]) == 0 {
			t.Errorf("capability %q has no default entries", cap)
		}
	}
}
