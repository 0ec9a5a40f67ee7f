package catalog

// DefaultEntries returns the built-in rate table, grounded in the rates
// from the teacher gateway's DefaultPricing() table (USD per 1M tokens,
// here expressed per 1K tokens) plus rates for the non-chat capabilities
// this platform adds.
func DefaultEntries() map[Capability][]Entry {
	return map[Capability][]Entry{
		CapabilityChatCompletions: {
			{Provider: "openai", WholesaleRate: 0.0025, RateUnit: RateUnitPer1KTokensIn, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "openai", WholesaleRate: 0.0100, RateUnit: RateUnitPer1KTokensOut, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "anthropic", WholesaleRate: 0.0030, RateUnit: RateUnitPer1KTokensIn, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "anthropic", WholesaleRate: 0.0150, RateUnit: RateUnitPer1KTokensOut, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "groq", WholesaleRate: 0.00059, RateUnit: RateUnitPer1KTokensIn, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "groq", WholesaleRate: 0.00079, RateUnit: RateUnitPer1KTokensOut, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilityEmbeddings: {
			{Provider: "openai", WholesaleRate: 0.00002, RateUnit: RateUnitPer1KTokensIn, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "cohere", WholesaleRate: 0.0001, RateUnit: RateUnitPer1KTokensIn, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilityAudioSTT: {
			{Provider: "deepgram", WholesaleRate: 0.0043, RateUnit: RateUnitPerMinute, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "openai", WholesaleRate: 0.006, RateUnit: RateUnitPerMinute, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilityAudioTTS: {
			{Provider: "elevenlabs", WholesaleRate: 0.00003, RateUnit: RateUnitPerCharacter, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "openai", WholesaleRate: 0.000015, RateUnit: RateUnitPerCharacter, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilityImages: {
			{Provider: "openai", WholesaleRate: 0.04, RateUnit: RateUnitFlat, Margin: DefaultMargin, Eligible: AlwaysEligible},
			{Provider: "replicate", WholesaleRate: 0.0055, RateUnit: RateUnitFlat, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilityVideo: {
			{Provider: "replicate", WholesaleRate: 0.50, RateUnit: RateUnitFlat, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilityPhoneOutbound: {
			{Provider: "twilio", WholesaleRate: 0.013, RateUnit: RateUnitPerMinute, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilitySMS: {
			{Provider: "twilio", WholesaleRate: 0.0079, RateUnit: RateUnitFlat, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilityMMS: {
			{Provider: "twilio", WholesaleRate: 0.02, RateUnit: RateUnitFlat, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
		CapabilityPhoneNumber: {
			{Provider: "twilio", WholesaleRate: 1.15, RateUnit: RateUnitFlat, Margin: DefaultMargin, Eligible: AlwaysEligible},
		},
	}
}

// NewWithDefaults returns a Catalog pre-loaded with DefaultEntries.
func NewWithDefaults() *Catalog {
	c := New()
	c.Load(DefaultEntries())
	return c
}
