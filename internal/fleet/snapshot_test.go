package fleet

import "testing"

func TestQuotaForTierFallsBackToStandard(t *testing.T) {
	if got := quotaForTier("nonexistent-tier"); got != snapshotQuota["standard"] {
		t.Fatalf("quotaForTier(unknown) = %d, want standard quota %d", got, snapshotQuota["standard"])
	}
}

func TestQuotaForTierEnterpriseIsUnlimited(t *testing.T) {
	if got := quotaForTier("enterprise"); got != -1 {
		t.Fatalf("quotaForTier(enterprise) = %d, want -1 (unlimited)", got)
	}
}

func TestErrSnapshotQuotaExceededMessage(t *testing.T) {
	err := &ErrSnapshotQuotaExceeded{Current: 3, Max: 3, Tier: "standard"}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
