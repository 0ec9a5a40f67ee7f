package config

import "testing"

func TestParseTenantTokens(t *testing.T) {
	tokens, err := parseTenantTokens([]string{
		"FLEET_TOKEN_acme=write:s3cr3t",
		"FLEET_TOKEN_globex=admin:topsecret",
		"UNRELATED=foo",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	byTenant := map[string]TenantToken{}
	for _, tok := range tokens {
		byTenant[tok.Tenant] = tok
	}
	if byTenant["acme"].Scope != ScopeWrite || byTenant["acme"].Secret != "s3cr3t" {
		t.Fatalf("unexpected acme token: %+v", byTenant["acme"])
	}
	if byTenant["globex"].Scope != ScopeAdmin {
		t.Fatalf("unexpected globex token: %+v", byTenant["globex"])
	}
}

func TestParseTenantTokensRejectsBadScope(t *testing.T) {
	_, err := parseTenantTokens([]string{"FLEET_TOKEN_acme=superuser:x"})
	if err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func TestParseTenantTokensRejectsMalformedValue(t *testing.T) {
	_, err := parseTenantTokens([]string{"FLEET_TOKEN_acme=nocolonhere"})
	if err == nil {
		t.Fatal("expected error for missing scope:secret separator")
	}
}
