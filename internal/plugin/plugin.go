// Package plugin implements the Plugin Composer from spec.md §4.9: a
// pure function from (current env, operation) to next env, with no I/O
// of its own. Hosted-credential values are resolved by the caller
// (typically via internal/vault) and passed in already-fetched; this
// package only decides which env keys to populate and how to thread the
// bookkeeping aggregate keys (WOPR_PLUGINS, WOPR_PLUGINS_DISABLED,
// WOPR_HOSTED_KEYS).
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/wopr-network/fleet/internal/catalog"
)

// ErrAlreadyInstalled is returned by Install when pluginID is already in
// WOPR_PLUGINS (callers translate to 409).
var ErrAlreadyInstalled = errors.New("plugin: already installed")

// ErrNotInstalled is returned by Toggle/Uninstall when pluginID is not
// in WOPR_PLUGINS (callers translate to 404).
var ErrNotInstalled = errors.New("plugin: not installed")

// ErrMissingCredential is returned by Install when a hosted provider
// choice names a capability with no resolved credential in the
// credentials map the caller supplied.
var ErrMissingCredential = errors.New("plugin: missing resolved hosted credential")

const (
	pluginsKey         = "WOPR_PLUGINS"
	pluginsDisabledKey = "WOPR_PLUGINS_DISABLED"
	hostedKeysKey      = "WOPR_HOSTED_KEYS"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)

// ValidID reports whether id satisfies the plugin id grammar
// (spec.md §4.9).
func ValidID(id string) bool { return idPattern.MatchString(id) }

// HostedBinding names where a hosted capability's credential lands in
// the bot's env and which vault-stored provider serves it.
type HostedBinding struct {
	EnvKey        string
	VaultProvider string
}

// hostedCredentialTable maps a capability to its hosted-credential
// binding. Keyed on catalog.Capability so the table stays in lockstep
// with the arbitrage router's own capability vocabulary.
var hostedCredentialTable = map[catalog.Capability]HostedBinding{
	catalog.CapabilityChatCompletions: {EnvKey: "OPENAI_API_KEY", VaultProvider: "openai"},
	catalog.CapabilityCompletions:     {EnvKey: "OPENAI_API_KEY", VaultProvider: "openai"},
	catalog.CapabilityEmbeddings:      {EnvKey: "OPENAI_API_KEY", VaultProvider: "openai"},
	catalog.CapabilityAudioSTT:        {EnvKey: "DEEPGRAM_API_KEY", VaultProvider: "deepgram"},
	catalog.CapabilityAudioTTS:        {EnvKey: "ELEVENLABS_API_KEY", VaultProvider: "elevenlabs"},
	catalog.CapabilityImages:          {EnvKey: "REPLICATE_API_TOKEN", VaultProvider: "replicate"},
	catalog.CapabilityVideo:           {EnvKey: "REPLICATE_API_TOKEN", VaultProvider: "replicate"},
	catalog.CapabilityPhoneOutbound:   {EnvKey: "TWILIO_AUTH_TOKEN", VaultProvider: "twilio"},
	catalog.CapabilitySMS:             {EnvKey: "TWILIO_AUTH_TOKEN", VaultProvider: "twilio"},
	catalog.CapabilityMMS:             {EnvKey: "TWILIO_AUTH_TOKEN", VaultProvider: "twilio"},
}

// HostedBindingFor exposes the table so callers (e.g. an HTTP handler)
// can resolve credentials before calling Install.
func HostedBindingFor(capability catalog.Capability) (HostedBinding, bool) {
	b, ok := hostedCredentialTable[capability]
	return b, ok
}

// ProviderChoice is one entry of a plugin install's providerChoices:
// which capability, and whether the platform supplies the credential
// (hosted) or the tenant does (byok).
type ProviderChoice struct {
	Capability catalog.Capability `json:"capability"`
	Mode       string             `json:"mode"` // "hosted" or "byok"
}

const modeHosted = "hosted"

// pluginConfig is the {config, providerChoices} value stored under a
// plugin's _CONFIG key — recorded so Uninstall can later learn which
// hosted env keys it's responsible for removing.
type pluginConfig struct {
	Config          json.RawMessage  `json:"config"`
	ProviderChoices []ProviderChoice `json:"providerChoices"`
}

// envKeyForPlugin converts a plugin id to its _CONFIG env key:
// lowercase-hyphen id -> upper-underscore, prefixed and suffixed
// (spec.md §4.9: "wopr-plugin-discord" -> "WOPR_PLUGIN_WOPR_PLUGIN_DISCORD_CONFIG").
func envKeyForPlugin(pluginID string) string {
	return "WOPR_PLUGIN_" + upperSnake(pluginID) + "_CONFIG"
}

func upperSnake(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

func getList(env map[string]string, key string) []string {
	raw, ok := env[key]
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setList(env map[string]string, key string, list []string) {
	if len(list) == 0 {
		delete(env, key)
		return
	}
	env[key] = strings.Join(list, ",")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// cloneEnv returns a shallow copy so callers never observe a partially
// mutated map on error.
func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// Installed returns the ordered set of plugin ids currently in
// WOPR_PLUGINS, for read-only HTTP surfaces that list a bot's plugins.
func Installed(env map[string]string) []string {
	return getList(env, pluginsKey)
}

// IsDisabled reports whether pluginID is currently toggled off.
func IsDisabled(env map[string]string, pluginID string) bool {
	return containsString(getList(env, pluginsDisabledKey), pluginID)
}

// Config returns pluginID's recorded {config, providerChoices}, if
// installed.
func Config(env map[string]string, pluginID string) (rawConfig json.RawMessage, choices []ProviderChoice, ok bool) {
	raw, present := env[envKeyForPlugin(pluginID)]
	if !present {
		return nil, nil, false
	}
	var cfg pluginConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, nil, false
	}
	return cfg.Config, cfg.ProviderChoices, true
}

// Install appends pluginID to the installed set, records its resolved
// config, and writes any hosted credentials it pulled in. credentials
// maps HostedBinding.VaultProvider to an already-resolved secret value —
// the caller fetches these (e.g. from internal/vault) before calling
// Install, keeping this function free of I/O.
func Install(env map[string]string, pluginID string, rawConfig json.RawMessage, choices []ProviderChoice, credentials map[string]string) (map[string]string, error) {
	if !ValidID(pluginID) {
		return nil, fmt.Errorf("plugin: invalid id %q", pluginID)
	}
	installed := getList(env, pluginsKey)
	if containsString(installed, pluginID) {
		return nil, ErrAlreadyInstalled
	}

	next := cloneEnv(env)

	var hostedKeys []string
	for _, choice := range choices {
		if choice.Mode != modeHosted {
			continue
		}
		binding, ok := hostedCredentialTable[choice.Capability]
		if !ok {
			return nil, fmt.Errorf("plugin: no hosted credential binding for capability %q", choice.Capability)
		}
		value, ok := credentials[binding.VaultProvider]
		if !ok || value == "" {
			return nil, fmt.Errorf("%w: provider %q", ErrMissingCredential, binding.VaultProvider)
		}
		next[binding.EnvKey] = value
		hostedKeys = append(hostedKeys, binding.EnvKey)
	}

	cfg := pluginConfig{Config: rawConfig, ProviderChoices: choices}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("plugin: marshal config: %w", err)
	}
	next[envKeyForPlugin(pluginID)] = string(cfgJSON)

	installed = append(append([]string{}, installed...), pluginID)
	setList(next, pluginsKey, installed)

	if len(hostedKeys) > 0 {
		existing := getList(next, hostedKeysKey)
		for _, k := range hostedKeys {
			if !containsString(existing, k) {
				existing = append(existing, k)
			}
		}
		sort.Strings(existing)
		setList(next, hostedKeysKey, existing)
	}

	return next, nil
}

// Toggle enables or disables an installed plugin by maintaining the
// WOPR_PLUGINS_DISABLED set, deleting the key entirely once it's empty.
func Toggle(env map[string]string, pluginID string, enabled bool) (map[string]string, error) {
	installed := getList(env, pluginsKey)
	if !containsString(installed, pluginID) {
		return nil, ErrNotInstalled
	}

	next := cloneEnv(env)
	disabled := getList(next, pluginsDisabledKey)
	if enabled {
		disabled = removeString(disabled, pluginID)
	} else if !containsString(disabled, pluginID) {
		disabled = append(disabled, pluginID)
	}
	setList(next, pluginsDisabledKey, disabled)
	return next, nil
}

// Uninstall removes pluginID from the installed set, deletes its config
// key, and removes the hosted env keys that plugin's own recorded config
// contributed — except a key another still-installed plugin's own
// _CONFIG also declares, which is left in place (spec.md §4.9: uninstalling
// p1 must not break p2's live hosted credential when both bind the same
// capability's key, e.g. two chat-completions plugins sharing
// OPENAI_API_KEY).
func Uninstall(env map[string]string, pluginID string) (map[string]string, error) {
	installed := getList(env, pluginsKey)
	if !containsString(installed, pluginID) {
		return nil, ErrNotInstalled
	}

	next := cloneEnv(env)
	configKey := envKeyForPlugin(pluginID)

	var contributed []string
	if raw, ok := next[configKey]; ok {
		var cfg pluginConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			for _, choice := range cfg.ProviderChoices {
				if choice.Mode != modeHosted {
					continue
				}
				if binding, ok := hostedCredentialTable[choice.Capability]; ok {
					contributed = append(contributed, binding.EnvKey)
				}
			}
		}
	}
	delete(next, configKey)

	stillNeeded := hostedKeysDeclaredBy(next, removeString(append([]string{}, installed...), pluginID))
	var removed []string
	for _, k := range contributed {
		if containsString(stillNeeded, k) {
			continue
		}
		delete(next, k)
		removed = append(removed, k)
	}

	if len(removed) > 0 {
		hostedKeys := getList(next, hostedKeysKey)
		for _, k := range removed {
			hostedKeys = removeString(hostedKeys, k)
		}
		setList(next, hostedKeysKey, hostedKeys)
	}

	setList(next, pluginsKey, removeString(installed, pluginID))

	disabled := getList(next, pluginsDisabledKey)
	setList(next, pluginsDisabledKey, removeString(disabled, pluginID))

	return next, nil
}

// hostedKeysDeclaredBy scans each named plugin's own recorded _CONFIG and
// returns the set of hosted env keys any of them still declares.
func hostedKeysDeclaredBy(env map[string]string, pluginIDs []string) []string {
	var keys []string
	for _, id := range pluginIDs {
		raw, ok := env[envKeyForPlugin(id)]
		if !ok {
			continue
		}
		var cfg pluginConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			continue
		}
		for _, choice := range cfg.ProviderChoices {
			if choice.Mode != modeHosted {
				continue
			}
			if binding, ok := hostedCredentialTable[choice.Capability]; ok && !containsString(keys, binding.EnvKey) {
				keys = append(keys, binding.EnvKey)
			}
		}
	}
	return keys
}
