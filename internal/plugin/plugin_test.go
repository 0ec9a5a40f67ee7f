package plugin

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/wopr-network/fleet/internal/catalog"
)

func TestInstallAppendsPluginAndConfig(t *testing.T) {
	env := map[string]string{}
	next, err := Install(env, "wopr-plugin-discord", json.RawMessage(`{"token":"abc"}`), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next[pluginsKey] != "wopr-plugin-discord" {
		t.Fatalf("WOPR_PLUGINS = %q", next[pluginsKey])
	}
	cfgKey := "WOPR_PLUGIN_WOPR_PLUGIN_DISCORD_CONFIG"
	if _, ok := next[cfgKey]; !ok {
		t.Fatalf("expected config key %s to be set", cfgKey)
	}
	if _, ok := env[pluginsKey]; ok {
		t.Fatal("Install must not mutate the input env")
	}
}

func TestInstallRejectsDuplicate(t *testing.T) {
	env := map[string]string{pluginsKey: "wopr-plugin-discord"}
	_, err := Install(env, "wopr-plugin-discord", nil, nil, nil)
	if !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("expected ErrAlreadyInstalled, got %v", err)
	}
}

func TestInstallRejectsInvalidID(t *testing.T) {
	_, err := Install(map[string]string{}, "bad id!", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid plugin id")
	}
}

func TestInstallWritesHostedCredentialAndTracksKey(t *testing.T) {
	env := map[string]string{}
	choices := []ProviderChoice{{Capability: catalog.CapabilityChatCompletions, Mode: "hosted"}}
	creds := map[string]string{"openai": "sk-test-123"}

	next, err := Install(env, "wopr-plugin-faq", nil, choices, creds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next["OPENAI_API_KEY"] != "sk-test-123" {
		t.Fatalf("OPENAI_API_KEY = %q", next["OPENAI_API_KEY"])
	}
	if next[hostedKeysKey] != "OPENAI_API_KEY" {
		t.Fatalf("WOPR_HOSTED_KEYS = %q", next[hostedKeysKey])
	}
}

func TestInstallFailsOnUnresolvedHostedCredential(t *testing.T) {
	env := map[string]string{}
	choices := []ProviderChoice{{Capability: catalog.CapabilityChatCompletions, Mode: "hosted"}}
	_, err := Install(env, "wopr-plugin-faq", nil, choices, nil)
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestToggleRequiresInstalled(t *testing.T) {
	_, err := Toggle(map[string]string{}, "wopr-plugin-discord", false)
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestToggleDisableThenEnableClearsKey(t *testing.T) {
	env := map[string]string{pluginsKey: "wopr-plugin-discord"}

	disabled, err := Toggle(env, "wopr-plugin-discord", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disabled[pluginsDisabledKey] != "wopr-plugin-discord" {
		t.Fatalf("WOPR_PLUGINS_DISABLED = %q", disabled[pluginsDisabledKey])
	}

	enabled, err := Toggle(disabled, "wopr-plugin-discord", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := enabled[pluginsDisabledKey]; ok {
		t.Fatalf("expected WOPR_PLUGINS_DISABLED to be deleted once empty, got %q", enabled[pluginsDisabledKey])
	}
}

func TestUninstallRemovesOnlyItsOwnHostedKeys(t *testing.T) {
	env := map[string]string{}
	env, err := Install(env, "wopr-plugin-faq", nil,
		[]ProviderChoice{{Capability: catalog.CapabilityChatCompletions, Mode: "hosted"}},
		map[string]string{"openai": "sk-faq"})
	if err != nil {
		t.Fatalf("install faq: %v", err)
	}
	env, err = Install(env, "wopr-plugin-voice", nil,
		[]ProviderChoice{{Capability: catalog.CapabilityAudioTTS, Mode: "hosted"}},
		map[string]string{"elevenlabs": "el-voice"})
	if err != nil {
		t.Fatalf("install voice: %v", err)
	}

	next, err := Uninstall(env, "wopr-plugin-faq")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := next["OPENAI_API_KEY"]; ok {
		t.Fatal("expected faq plugin's hosted key to be removed")
	}
	if next["ELEVENLABS_API_KEY"] != "el-voice" {
		t.Fatal("expected voice plugin's hosted key to survive faq's uninstall")
	}
	if next[hostedKeysKey] != "ELEVENLABS_API_KEY" {
		t.Fatalf("WOPR_HOSTED_KEYS = %q, want only ELEVENLABS_API_KEY", next[hostedKeysKey])
	}
	if next[pluginsKey] != "wopr-plugin-voice" {
		t.Fatalf("WOPR_PLUGINS = %q", next[pluginsKey])
	}
}

func TestUninstallRequiresInstalled(t *testing.T) {
	_, err := Uninstall(map[string]string{}, "wopr-plugin-discord")
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestUninstallDeletesEmptyAggregateKeys(t *testing.T) {
	env := map[string]string{pluginsKey: "wopr-plugin-discord", pluginsDisabledKey: "wopr-plugin-discord"}
	next, err := Uninstall(env, "wopr-plugin-discord")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := next[pluginsKey]; ok {
		t.Fatal("expected WOPR_PLUGINS to be deleted once empty")
	}
	if _, ok := next[pluginsDisabledKey]; ok {
		t.Fatal("expected WOPR_PLUGINS_DISABLED to be deleted once empty")
	}
}

func TestUninstallRetainsSharedHostedKey(t *testing.T) {
	env := map[string]string{}
	env, err := Install(env, "wopr-plugin-faq", nil,
		[]ProviderChoice{{Capability: catalog.CapabilityChatCompletions, Mode: "hosted"}},
		map[string]string{"openai": "sk-shared"})
	if err != nil {
		t.Fatalf("install faq: %v", err)
	}
	env, err = Install(env, "wopr-plugin-summarizer", nil,
		[]ProviderChoice{{Capability: catalog.CapabilityChatCompletions, Mode: "hosted"}},
		map[string]string{"openai": "sk-shared"})
	if err != nil {
		t.Fatalf("install summarizer: %v", err)
	}

	next, err := Uninstall(env, "wopr-plugin-faq")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next["OPENAI_API_KEY"] != "sk-shared" {
		t.Fatal("expected OPENAI_API_KEY to survive faq's uninstall since summarizer still declares it")
	}
	if next[hostedKeysKey] != "OPENAI_API_KEY" {
		t.Fatalf("WOPR_HOSTED_KEYS = %q, want OPENAI_API_KEY retained", next[hostedKeysKey])
	}
	if next[pluginsKey] != "wopr-plugin-summarizer" {
		t.Fatalf("WOPR_PLUGINS = %q", next[pluginsKey])
	}

	next, err = Uninstall(next, "wopr-plugin-summarizer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := next["OPENAI_API_KEY"]; ok {
		t.Fatal("expected OPENAI_API_KEY to be removed once no installed plugin declares it")
	}
}
