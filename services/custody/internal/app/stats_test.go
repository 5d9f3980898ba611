package app

import (
	"context"
	"testing"

	"pharmatrace/pkg/domain"
)

func TestStatisticsPerRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	dist, _ := env.registerWallet(t, domain.RoleDistributor)
	pharm, _ := env.registerWallet(t, domain.RolePharmacy)
	consumer, _ := env.registerWallet(t, domain.RoleConsumer)

	kept := env.registerBatch(t, mfr.ID)
	shipped := env.registerBatch(t, mfr.ID)
	toDist := env.propose(t, mfr.ID, shipped.SerialID, dist.ID)
	if _, err := env.app.AcceptTransfer(ctx, toDist.ID, dist.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.app.InitiateRecall(ctx, kept.SerialID, "mislabeled", mfr.ID); err != nil {
		t.Fatalf("recall: %v", err)
	}
	env.propose(t, dist.ID, shipped.SerialID, pharm.ID)
	if _, err := env.app.Verify(ctx, shipped.SerialID, VerifierContext{Identity: &pharm}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := env.app.Verify(ctx, "DRUG-2024-00000000", VerifierContext{Identity: &pharm}); err != nil {
		t.Fatalf("verify unknown: %v", err)
	}

	stats, err := env.app.Statistics(ctx, mfr)
	if err != nil {
		t.Fatalf("manufacturer stats: %v", err)
	}
	if m := stats.Manufacturer; m == nil || m.TotalBatches != 2 || m.TransferredBatches != 1 || m.RecalledBatches != 1 || m.ActiveBatches != 0 {
		t.Fatalf("unexpected manufacturer stats %+v", stats.Manufacturer)
	}

	stats, err = env.app.Statistics(ctx, dist)
	if err != nil {
		t.Fatalf("distributor stats: %v", err)
	}
	if d := stats.Distributor; d == nil || d.TotalInventory != 1 || d.TotalTransfers != 1 || d.AcceptedTransfers != 0 || d.PendingIncoming != 0 {
		t.Fatalf("unexpected distributor stats %+v", stats.Distributor)
	}

	stats, err = env.app.Statistics(ctx, pharm)
	if err != nil {
		t.Fatalf("pharmacy stats: %v", err)
	}
	if p := stats.Pharmacy; p == nil || p.TotalVerifications != 2 || p.AuthenticCount != 1 || p.SuspiciousCount != 1 || p.InventoryCount != 0 {
		t.Fatalf("unexpected pharmacy stats %+v", stats.Pharmacy)
	}

	_, err = env.app.Statistics(ctx, consumer)
	assertKind(t, err, ErrForbidden)
}
