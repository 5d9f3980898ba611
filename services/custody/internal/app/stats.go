package app

import (
	"context"

	"golang.org/x/sync/errgroup"
	"pharmatrace/pkg/domain"
)

// ManufacturerStats summarises the batches a manufacturer registered.
type ManufacturerStats struct {
	TotalBatches       int `json:"totalBatches"`
	ActiveBatches      int `json:"activeBatches"`
	TransferredBatches int `json:"transferredBatches"`
	RecalledBatches    int `json:"recalledBatches"`
}

// DistributorStats summarises a distributor's inventory and outgoing transfers.
type DistributorStats struct {
	TotalInventory    int `json:"totalInventory"`
	PendingIncoming   int `json:"pendingIncoming"`
	TotalTransfers    int `json:"totalTransfers"`
	AcceptedTransfers int `json:"acceptedTransfers"`
}

// PharmacyStats summarises a pharmacy's verifications and inventory.
type PharmacyStats struct {
	TotalVerifications int `json:"totalVerifications"`
	AuthenticCount     int `json:"authenticCount"`
	SuspiciousCount    int `json:"suspiciousCount"`
	InventoryCount     int `json:"inventoryCount"`
}

// Statistics is the dashboard summary for one identity. Exactly one of the
// role sections is set.
type Statistics struct {
	Role         domain.Role        `json:"role"`
	Manufacturer *ManufacturerStats `json:"manufacturer,omitempty"`
	Distributor  *DistributorStats  `json:"distributor,omitempty"`
	Pharmacy     *PharmacyStats     `json:"pharmacy,omitempty"`
}

// Statistics returns the dashboard counters for the identity's role.
// Consumers have no dashboard.
func (a *App) Statistics(ctx context.Context, identity domain.Identity) (Statistics, error) {
	out := Statistics{Role: identity.Role}
	var err error
	switch identity.Role {
	case domain.RoleManufacturer:
		out.Manufacturer, err = a.manufacturerStats(ctx, identity.ID)
	case domain.RoleDistributor:
		out.Distributor, err = a.distributorStats(ctx, identity.ID)
	case domain.RolePharmacy:
		out.Pharmacy, err = a.pharmacyStats(ctx, identity.ID)
	default:
		return Statistics{}, ErrNoDashboard
	}
	if err != nil {
		return Statistics{}, unavailable("load statistics", err)
	}
	return out, nil
}

func (a *App) manufacturerStats(ctx context.Context, id string) (*ManufacturerStats, error) {
	counts, err := a.store.CountBatchesByStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := &ManufacturerStats{
		ActiveBatches:      counts[domain.BatchActive],
		TransferredBatches: counts[domain.BatchTransferred],
		RecalledBatches:    counts[domain.BatchRecalled],
	}
	for _, n := range counts {
		stats.TotalBatches += n
	}
	return stats, nil
}

func (a *App) distributorStats(ctx context.Context, id string) (*DistributorStats, error) {
	stats := &DistributorStats{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.store.CountBatchesOwnedBy(gctx, id)
		stats.TotalInventory = n
		return err
	})
	g.Go(func() error {
		pending, err := a.store.ListPendingTransfersForRecipient(gctx, id)
		stats.PendingIncoming = len(pending)
		return err
	})
	g.Go(func() error {
		counts, err := a.store.CountTransfersBySender(gctx, id)
		for _, n := range counts {
			stats.TotalTransfers += n
		}
		stats.AcceptedTransfers = counts[domain.TransferAccepted]
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (a *App) pharmacyStats(ctx context.Context, id string) (*PharmacyStats, error) {
	stats := &PharmacyStats{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.store.CountBatchesOwnedBy(gctx, id)
		stats.InventoryCount = n
		return err
	})
	g.Go(func() error {
		counts, err := a.store.CountVerificationsByUser(gctx, id)
		for _, n := range counts {
			stats.TotalVerifications += n
		}
		stats.AuthenticCount = counts[domain.ResultAuthentic]
		stats.SuspiciousCount = counts[domain.ResultCounterfeit] + counts[domain.ResultWarning]
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}
