// Package channeltest implements the `/channel-test/:pluginId/test`
// surface (spec.md §6): given a channel plugin's credential, call the
// provider's cheapest "who am I" endpoint and report whether it's
// valid. Grounded on wisbric-nightowl's pkg/slack (Notifier wraps
// github.com/slack-go/slack, IsEnabled gates every call on a populated
// client) for the Slack case — the teacher's own import, used directly.
// Discord and Telegram have no SDK anywhere in the retrieval pack, so
// their validators are hand-rolled HTTP calls against each provider's
// "who am I" endpoint, the same no-vendor-SDK convention already used
// for internal/billing.StripeClient.
package channeltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	goslack "github.com/slack-go/slack"
)

var identityClient = &http.Client{Timeout: 10 * time.Second}

// ErrUnknownChannel is returned when a plugin id doesn't map to any
// known channel validator.
var ErrUnknownChannel = errors.New("channeltest: unknown channel plugin")

// Result is the outcome of testing one credential.
type Result struct {
	Valid       bool   `json:"valid"`
	AccountID   string `json:"accountId,omitempty"`
	AccountName string `json:"accountName,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Validator calls a channel provider's identity endpoint with
// credential and reports whether it's usable. A non-nil error means the
// call itself couldn't be made (bad request shape, network failure);
// an invalid-but-reachable credential is reported via Result.Valid=false.
type Validator interface {
	Validate(ctx context.Context, credential string) (Result, error)
}

type slackValidator struct{}

func (slackValidator) Validate(ctx context.Context, credential string) (Result, error) {
	client := goslack.New(credential)
	resp, err := client.AuthTestContext(ctx)
	if err != nil {
		return Result{Valid: false, Error: err.Error()}, nil
	}
	return Result{Valid: true, AccountID: resp.UserID, AccountName: resp.User}, nil
}

type discordValidator struct{}

// discordUser is the subset of Discord's GET /users/@me response this
// validator reads.
type discordUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (discordValidator) Validate(ctx context.Context, credential string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://discord.com/api/v10/users/@me", nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bot "+credential)
	resp, err := identityClient.Do(req)
	if err != nil {
		return Result{Valid: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Valid: false, Error: fmt.Sprintf("discord returned status %d", resp.StatusCode)}, nil
	}
	var user discordUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Result{Valid: false, Error: err.Error()}, nil
	}
	return Result{Valid: true, AccountID: user.ID, AccountName: user.Username}, nil
}

type telegramValidator struct{}

// telegramGetMeResponse is Telegram's GET /bot<token>/getMe response shape.
type telegramGetMeResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"result"`
	Description string `json:"description"`
}

func (telegramValidator) Validate(ctx context.Context, credential string) (Result, error) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/getMe", credential)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := identityClient.Do(req)
	if err != nil {
		return Result{Valid: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	var body telegramGetMeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{Valid: false, Error: err.Error()}, nil
	}
	if !body.OK {
		return Result{Valid: false, Error: body.Description}, nil
	}
	return Result{Valid: true, AccountID: strconv.FormatInt(body.Result.ID, 10), AccountName: body.Result.Username}, nil
}

// channelForPlugin maps a plugin id's channel family to its validator.
// Plugin ids in this fleet follow "wopr-plugin-<channel>[-...]"; the
// channel family is the hyphen-delimited segment that follows "plugin".
func channelForPlugin(pluginID string) (Validator, bool) {
	parts := strings.Split(pluginID, "-")
	var family string
	for i, p := range parts {
		if p == "plugin" && i+1 < len(parts) {
			family = parts[i+1]
			break
		}
	}
	switch family {
	case "slack":
		return slackValidator{}, true
	case "discord":
		return discordValidator{}, true
	case "telegram":
		return telegramValidator{}, true
	default:
		return nil, false
	}
}

// IsChannelPlugin reports whether pluginID names a recognized channel
// family — used by the fleet HTTP surface to restrict
// /fleet/bots/:botId/channels to channel-category plugins (spec.md §6).
func IsChannelPlugin(pluginID string) bool {
	_, ok := channelForPlugin(pluginID)
	return ok
}

// Handler serves POST /channel-test/:pluginId/test.
type Handler struct{}

// NewHandler builds a Handler.
func NewHandler() *Handler {
	return &Handler{}
}

type testRequest struct {
	Credential string `json:"credential"`
}

// Test handles POST /channel-test/:pluginId/test.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginId")

	validator, ok := channelForPlugin(pluginID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no channel test available for this plugin")
		return
	}

	var body testRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Credential == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "credential is required")
		return
	}

	result, err := validator.Validate(r.Context(), body.Credential)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"type": kind, "message": message}})
}
