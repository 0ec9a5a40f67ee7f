package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/money"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// Twilio implements TelephonyProvider, SMSProvider, and arbitrage.Adapter.
// Grounded in the Caller interface shape from wisbric-nightowl's
// pkg/integration/callout.go, which names Twilio as the production
// implementation behind that interface's NoopCaller stub.
type Twilio struct {
	cfg        Config
	accountSID string
	client     *http.Client
}

// NewTwilio builds a Twilio connector. accountSID is embedded in every
// REST path; cfg.APIKey carries the auth token for HTTP basic auth.
func NewTwilio(cfg Config, accountSID string) *Twilio {
	cfg = cfg.withDefaults(twilioBaseURL, 30*time.Second)
	return &Twilio{cfg: cfg, accountSID: accountSID, client: newPooledClient(cfg.Timeout)}
}

func (p *Twilio) Name() string { return "twilio" }

func (p *Twilio) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.accountURL("")+".json", nil)
	if err != nil {
		return false
	}
	req.SetBasicAuth(p.accountSID, p.cfg.APIKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CallInput is the arbitrage.Request.Input shape for phone-outbound.
type CallInput struct {
	To, From, TwimlURL string
	// StatusCallbackURL, when set, asks Twilio to report call completion
	// and duration back to the gateway for deferred billing.
	StatusCallbackURL string
}

// SMSInput is the arbitrage.Request.Input shape for messages-sms / -mms.
type SMSInput struct {
	To, From, Body string
	MediaURLs      []string
}

func (p *Twilio) EstimateCost(_ context.Context, capability catalog.Capability, entry catalog.Entry, _ any) (float64, money.Cents, error) {
	switch capability {
	case catalog.CapabilityPhoneOutbound:
		wholesale, charge := entry.EstimateMinutes(1) // flat 1-minute estimate at submission, per spec.
		return wholesale, charge, nil
	case catalog.CapabilitySMS, catalog.CapabilityMMS, catalog.CapabilityPhoneNumber:
		wholesale, charge := entry.EstimateFlat()
		return wholesale, charge, nil
	default:
		return 0, 0, fmt.Errorf("twilio: unsupported capability %s", capability)
	}
}

func (p *Twilio) Invoke(ctx context.Context, capability catalog.Capability, input any) (any, error) {
	switch capability {
	case catalog.CapabilityPhoneOutbound:
		in, ok := input.(CallInput)
		if !ok {
			return nil, fmt.Errorf("twilio: expected CallInput")
		}
		sid, err := p.PlaceCall(ctx, in.To, in.From, in.TwimlURL, in.StatusCallbackURL)
		return map[string]any{"call_sid": sid}, err
	case catalog.CapabilitySMS, catalog.CapabilityMMS:
		in, ok := input.(SMSInput)
		if !ok {
			return nil, fmt.Errorf("twilio: expected SMSInput")
		}
		sid, err := p.SendMessage(ctx, in.To, in.From, in.Body, in.MediaURLs)
		return map[string]any{"message_sid": sid}, err
	case catalog.CapabilityPhoneNumber:
		// Number provisioning against Twilio's Incoming Phone Numbers API
		// is out of scope here; the gateway only needs a successful
		// estimate/invoke pair to emit the one-time monthly meter event.
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("twilio: unsupported capability %s", capability)
	}
}

func (p *Twilio) PlaceCall(ctx context.Context, to, from, twimlURL, statusCallbackURL string) (string, error) {
	form := url.Values{"To": {to}, "From": {from}, "Url": {twimlURL}}
	if statusCallbackURL != "" {
		form.Set("StatusCallback", statusCallbackURL)
		form["StatusCallbackEvent"] = []string{"completed"}
	}
	var out struct {
		SID string `json:"sid"`
	}
	if err := p.postForm(ctx, p.accountURL("/Calls.json"), form, &out); err != nil {
		return "", fmt.Errorf("twilio: place call: %w", err)
	}
	return out.SID, nil
}

func (p *Twilio) SendMessage(ctx context.Context, to, from, body string, mediaURLs []string) (string, error) {
	form := url.Values{"To": {to}, "From": {from}, "Body": {body}}
	for _, m := range mediaURLs {
		form.Add("MediaUrl", m)
	}
	var out struct {
		SID string `json:"sid"`
	}
	if err := p.postForm(ctx, p.accountURL("/Messages.json"), form, &out); err != nil {
		return "", fmt.Errorf("twilio: send message: %w", err)
	}
	return out.SID, nil
}

func (p *Twilio) postForm(ctx context.Context, target string, form url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(p.accountSID, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *Twilio) accountURL(suffix string) string {
	return p.cfg.BaseURL + "/Accounts/" + p.accountSID + suffix
}
