package app

import (
	"context"
	"errors"
	"strings"

	"pharmatrace/internal/util"
	"pharmatrace/pkg/audit"
	"pharmatrace/pkg/domain"
	"pharmatrace/pkg/store"
)

// InitiateRecall flags a batch as recalled. A batch has at most one active
// recall at a time.
func (a *App) InitiateRecall(ctx context.Context, serialID, reason, initiatorID string) (domain.Recall, error) {
	serialID = strings.TrimSpace(serialID)
	reason = strings.TrimSpace(reason)
	if serialID == "" {
		return domain.Recall{}, validation("serialId required")
	}
	if reason == "" {
		return domain.Recall{}, validation("reason required")
	}

	var (
		recall domain.Recall
		event  domain.AuditEvent
	)
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		batch, ok, err := tx.LockBatch(ctx, serialID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBatchNotFound
		}
		if batch.ManufacturerID != initiatorID {
			return ErrNotBatchManufacturer
		}
		if _, active, err := tx.GetActiveRecall(ctx, serialID); err != nil {
			return err
		} else if active {
			return ErrRecallActive
		}
		initiator, ok, err := tx.GetIdentity(ctx, initiatorID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIdentityNotFound
		}

		now := a.now().UTC()
		recall = domain.Recall{
			ID:          util.NewID(),
			SerialID:    serialID,
			Reason:      reason,
			InitiatorID: initiatorID,
			Active:      true,
			InitiatedAt: now,
		}
		event, err = a.audit.Seal(audit.Record{
			EventType:   domain.EventRecall,
			Contract:    "RecallManager",
			Function:    "initiateRecall",
			SerialID:    serialID,
			FromAddress: initiator.WalletAddress,
			Payload: map[string]string{
				"action":   "initiated",
				"recallId": recall.ID,
				"reason":   reason,
			},
		})
		if err != nil {
			return err
		}
		recall.TxHash = event.TxHash
		if err := tx.CreateRecall(ctx, recall); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrRecallActive
			}
			return err
		}
		if err := tx.UpdateBatchCustody(ctx, serialID, batch.CurrentOwnerID, domain.BatchRecalled, now); err != nil {
			return err
		}
		return a.audit.Append(ctx, tx, event)
	})
	if err != nil {
		return domain.Recall{}, classify("initiate recall", err)
	}
	a.publish(ctx, event)
	return recall, nil
}

// ResolveRecall lifts an active recall and restores the batch status from
// its custody: active while the manufacturer still holds it, transferred otherwise.
func (a *App) ResolveRecall(ctx context.Context, recallID, actorID string) (domain.Recall, error) {
	recallID = strings.TrimSpace(recallID)
	var (
		resolved domain.Recall
		event    domain.AuditEvent
	)
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		recall, ok, err := tx.GetRecall(ctx, recallID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRecallNotFound
		}
		batch, ok, err := tx.LockBatch(ctx, recall.SerialID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBatchNotFound
		}
		if batch.ManufacturerID != actorID {
			return ErrNotBatchManufacturer
		}
		if !recall.Active {
			return ErrRecallResolved
		}
		now := a.now().UTC()
		ok, err = tx.DeactivateRecall(ctx, recall.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRecallResolved
		}
		status := domain.BatchTransferred
		if batch.CurrentOwnerID == batch.ManufacturerID {
			status = domain.BatchActive
		}
		if err := tx.UpdateBatchCustody(ctx, batch.SerialID, batch.CurrentOwnerID, status, now); err != nil {
			return err
		}
		actor, _, err := tx.GetIdentity(ctx, actorID)
		if err != nil {
			return err
		}
		event, err = a.audit.Record(ctx, tx, audit.Record{
			EventType:   domain.EventRecall,
			Contract:    "RecallManager",
			Function:    "resolveRecall",
			SerialID:    batch.SerialID,
			FromAddress: actor.WalletAddress,
			ToAddress:   recall.TxHash,
			Payload: map[string]string{
				"action":             "resolved",
				"recallId":           recall.ID,
				"originalRecallHash": recall.TxHash,
			},
		})
		if err != nil {
			return err
		}
		resolved, _, err = tx.GetRecall(ctx, recall.ID)
		return err
	})
	if err != nil {
		return domain.Recall{}, classify("resolve recall", err)
	}
	a.publish(ctx, event)
	return resolved, nil
}
