package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// signatureTolerance rejects a signed payload whose timestamp has
// drifted further than this from now, guarding against replay of an
// intercepted (but validly-signed) request.
const signatureTolerance = 5 * time.Minute

// StripeProcessor verifies and parses the payment processor's webhook
// events. No vendor SDK is imported (no example in the retrieval pack
// pulls in stripe-go); the signature scheme is a straightforward
// HMAC-SHA256 over "<timestamp>.<body>", matching the hand-rolled
// REST-client convention already used for every provider.
type StripeProcessor struct {
	signingSecret string
}

// NewStripeProcessor builds a StripeProcessor from the configured
// webhook signing secret.
func NewStripeProcessor(signingSecret string) *StripeProcessor {
	return &StripeProcessor{signingSecret: signingSecret}
}

func (p *StripeProcessor) Source() string { return "stripe" }

// Verify checks the "Stripe-Signature" header, formatted
// "t=<unix>,v1=<hex hmac>[,v1=<hex hmac>...]".
func (p *StripeProcessor) Verify(body []byte, signatureHeader string) error {
	if p.signingSecret == "" {
		return nil // dev mode, matching the pack's optional-signing-secret convention
	}

	var timestamp string
	var candidates []string
	for _, part := range strings.Split(signatureHeader, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return fmt.Errorf("stripe: malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("stripe: malformed timestamp: %w", err)
	}
	age := time.Since(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > signatureTolerance {
		return fmt.Errorf("stripe: signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(p.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, c := range candidates {
		if hmac.Equal([]byte(expected), []byte(c)) {
			return nil
		}
	}
	return fmt.Errorf("stripe: signature mismatch")
}

// Parse decodes the event envelope.
func (p *StripeProcessor) Parse(body []byte) (Event, error) {
	var envelope struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("stripe: decode event: %w", err)
	}
	return Event{ID: envelope.ID, Type: envelope.Type, Payload: envelope.Data.Object}, nil
}
