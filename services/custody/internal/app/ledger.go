package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"pharmatrace/internal/util"
	"pharmatrace/pkg/audit"
	"pharmatrace/pkg/domain"
	"pharmatrace/pkg/store"
	"pharmatrace/pkg/walletsig"
)

const serialMintAttempts = 5

// BatchInput holds the attributes a manufacturer supplies for a new batch.
type BatchInput struct {
	DrugName              string    `json:"drugName"`
	BatchNumber           string    `json:"batchNumber"`
	Quantity              int       `json:"quantity"`
	ProductionDate        time.Time `json:"productionDate"`
	ExpiryDate            time.Time `json:"expiryDate"`
	ManufacturingLocation string    `json:"manufacturingLocation"`
}

// TransferInput describes a proposed custody transfer. Recipient may be a
// wallet address, an email or an identity ID.
type TransferInput struct {
	Recipient string
	Quantity  int
	Location  string
	Notes     string
}

// BatchDetails is a batch with its transfer history and active recall.
type BatchDetails struct {
	Batch     domain.Batch      `json:"batch"`
	Transfers []domain.Transfer `json:"transfers"`
	Recall    *domain.Recall    `json:"recall,omitempty"`
}

func (in BatchInput) validate() error {
	switch {
	case strings.TrimSpace(in.DrugName) == "":
		return validation("drugName required")
	case strings.TrimSpace(in.BatchNumber) == "":
		return validation("batchNumber required")
	case in.Quantity <= 0:
		return validation("quantity must be positive")
	case in.ProductionDate.IsZero():
		return validation("productionDate required")
	case in.ExpiryDate.IsZero():
		return validation("expiryDate required")
	case !in.ExpiryDate.After(in.ProductionDate):
		return validation("expiryDate must be after productionDate")
	case strings.TrimSpace(in.ManufacturingLocation) == "":
		return validation("manufacturingLocation required")
	}
	return nil
}

// RegisterBatch mints a serial for a new batch owned by its manufacturer and
// records the registration event.
func (a *App) RegisterBatch(ctx context.Context, manufacturerID string, in BatchInput) (domain.Batch, error) {
	if err := in.validate(); err != nil {
		return domain.Batch{}, err
	}
	manufacturer, err := a.GetIdentity(ctx, manufacturerID)
	if err != nil {
		return domain.Batch{}, err
	}
	if manufacturer.Role != domain.RoleManufacturer {
		return domain.Batch{}, ErrNotManufacturer
	}
	metadataHash, err := hashMetadata(in, manufacturer)
	if err != nil {
		return domain.Batch{}, unavailable("hash metadata", err)
	}

	for attempt := 0; attempt < serialMintAttempts; attempt++ {
		now := a.now().UTC()
		batch := domain.Batch{
			SerialID:              mintSerial(now),
			DrugName:              strings.TrimSpace(in.DrugName),
			BatchNumber:           strings.TrimSpace(in.BatchNumber),
			Quantity:              in.Quantity,
			ManufacturerID:        manufacturer.ID,
			ProductionDate:        in.ProductionDate.UTC(),
			ExpiryDate:            in.ExpiryDate.UTC(),
			ManufacturingLocation: strings.TrimSpace(in.ManufacturingLocation),
			MetadataHash:          metadataHash,
			Status:                domain.BatchActive,
			CurrentOwnerID:        manufacturer.ID,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		var event domain.AuditEvent
		err := a.store.Atomic(ctx, func(tx store.Store) error {
			var err error
			event, err = a.audit.Seal(audit.Record{
				EventType:   domain.EventBatchRegistration,
				Contract:    "SerializationRegistry",
				Function:    "registerBatch",
				SerialID:    batch.SerialID,
				FromAddress: manufacturer.WalletAddress,
				ToAddress:   manufacturer.WalletAddress,
				Payload: map[string]string{
					"serialId":            batch.SerialID,
					"metadataHash":        metadataHash,
					"manufacturerAddress": manufacturer.WalletAddress,
				},
			})
			if err != nil {
				return err
			}
			batch.RegistrationTxHash = event.TxHash
			if err := tx.CreateBatch(ctx, batch); err != nil {
				return err
			}
			return a.audit.Append(ctx, tx, event)
		})
		if errors.Is(err, store.ErrDuplicate) {
			util.LoggerFromContext(ctx).Warn("serial_collision", "serial_id", batch.SerialID)
			continue
		}
		if err != nil {
			return domain.Batch{}, classify("register batch", err)
		}
		a.publish(ctx, event)
		return batch, nil
	}
	return domain.Batch{}, unavailable("register batch", errors.New("could not mint a unique serial"))
}

// ProposeTransfer creates a pending transfer from the current owner of a batch.
// Custody does not move until the recipient accepts.
func (a *App) ProposeTransfer(ctx context.Context, senderID, serialID string, in TransferInput) (domain.Transfer, error) {
	serialID = strings.TrimSpace(serialID)
	recipientRef := strings.TrimSpace(in.Recipient)
	location := strings.TrimSpace(in.Location)
	switch {
	case serialID == "":
		return domain.Transfer{}, validation("serialId required")
	case recipientRef == "":
		return domain.Transfer{}, validation("recipient required")
	case in.Quantity <= 0:
		return domain.Transfer{}, validation("quantity must be positive")
	case location == "":
		return domain.Transfer{}, validation("location required")
	}

	var (
		transfer domain.Transfer
		event    domain.AuditEvent
	)
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		batch, ok, err := tx.LockBatch(ctx, serialID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBatchNotFound
		}
		if batch.CurrentOwnerID != senderID {
			return ErrNotOwner
		}
		if in.Quantity > batch.Quantity {
			return validation("quantity exceeds batch quantity %d", batch.Quantity)
		}
		sender, ok, err := tx.GetIdentity(ctx, senderID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIdentityNotFound
		}
		recipient, ok, err := resolveRecipient(ctx, tx, recipientRef)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRecipientNotFound
		}
		if recipient.ID == sender.ID {
			return validation("recipient must differ from sender")
		}

		transfer = domain.Transfer{
			ID:            util.NewID(),
			SerialID:      serialID,
			SenderID:      sender.ID,
			RecipientID:   recipient.ID,
			SenderRole:    sender.Role,
			RecipientRole: recipient.Role,
			Quantity:      in.Quantity,
			TransferType:  domain.ClassifyTransfer(sender.Role, recipient.Role),
			Location:      location,
			Notes:         strings.TrimSpace(in.Notes),
			Status:        domain.TransferPending,
			TransferDate:  a.now().UTC(),
		}
		event, err = a.audit.Seal(audit.Record{
			EventType:   domain.EventTransfer,
			Contract:    "TransferManager",
			Function:    "recordTransfer",
			SerialID:    serialID,
			FromAddress: sender.WalletAddress,
			ToAddress:   recipient.WalletAddress,
			Payload: map[string]any{
				"action":       "proposed",
				"transferId":   transfer.ID,
				"transferType": transfer.TransferType,
				"quantity":     transfer.Quantity,
			},
		})
		if err != nil {
			return err
		}
		transfer.TxHash = event.TxHash
		if err := tx.CreateTransfer(ctx, transfer); err != nil {
			return err
		}
		return a.audit.Append(ctx, tx, event)
	})
	if err != nil {
		return domain.Transfer{}, classify("propose transfer", err)
	}
	a.publish(ctx, event)
	return transfer, nil
}

// AcceptTransfer completes a pending transfer and moves custody to the recipient.
func (a *App) AcceptTransfer(ctx context.Context, transferID, actorID string) (domain.Transfer, error) {
	return a.resolveTransfer(ctx, transferID, actorID, domain.TransferAccepted)
}

// RejectTransfer declines a pending transfer; custody stays with the sender.
func (a *App) RejectTransfer(ctx context.Context, transferID, actorID string) (domain.Transfer, error) {
	return a.resolveTransfer(ctx, transferID, actorID, domain.TransferRejected)
}

func (a *App) resolveTransfer(ctx context.Context, transferID, actorID string, outcome domain.TransferStatus) (domain.Transfer, error) {
	transferID = strings.TrimSpace(transferID)
	var (
		resolved domain.Transfer
		event    domain.AuditEvent
	)
	err := a.store.Atomic(ctx, func(tx store.Store) error {
		transfer, ok, err := tx.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTransferNotFound
		}
		if transfer.RecipientID != actorID {
			return ErrNotRecipient
		}
		if transfer.Status != domain.TransferPending {
			return ErrAlreadyResolved
		}
		batch, ok, err := tx.LockBatch(ctx, transfer.SerialID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBatchNotFound
		}
		if outcome == domain.TransferAccepted && batch.CurrentOwnerID != transfer.SenderID {
			return ErrCustodyChanged
		}

		now := a.now().UTC()
		ok, err = tx.ResolveTransfer(ctx, transfer.ID, outcome, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyResolved
		}
		if outcome == domain.TransferAccepted {
			status := domain.BatchTransferred
			if batch.Status == domain.BatchRecalled {
				status = domain.BatchRecalled
			}
			if err := tx.UpdateBatchCustody(ctx, batch.SerialID, transfer.RecipientID, status, now); err != nil {
				return err
			}
		}

		recipient, ok, err := tx.GetIdentity(ctx, transfer.RecipientID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrIdentityNotFound
		}
		action, function := "accepted", "acceptTransfer"
		if outcome == domain.TransferRejected {
			action, function = "rejected", "rejectTransfer"
		}
		event, err = a.audit.Record(ctx, tx, audit.Record{
			EventType: domain.EventTransfer,
			Contract:  "TransferManager",
			Function:  function,
			SerialID:  transfer.SerialID,
			// Follow-up events point back at the proposal's hash.
			FromAddress: transfer.TxHash,
			ToAddress:   recipient.WalletAddress,
			Payload: map[string]string{
				"action":               action,
				"transferId":           transfer.ID,
				"originalTransferHash": transfer.TxHash,
			},
		})
		if err != nil {
			return err
		}
		resolved, _, err = tx.GetTransfer(ctx, transfer.ID)
		return err
	})
	if err != nil {
		return domain.Transfer{}, classify("resolve transfer", err)
	}
	a.publish(ctx, event)
	return resolved, nil
}

// GetBatch returns a batch with its transfer history (oldest first) and
// active recall, if any.
func (a *App) GetBatch(ctx context.Context, serialID string) (BatchDetails, error) {
	serialID = strings.TrimSpace(serialID)
	batch, ok, err := a.store.GetBatch(ctx, serialID)
	if err != nil {
		return BatchDetails{}, unavailable("load batch", err)
	}
	if !ok {
		return BatchDetails{}, ErrBatchNotFound
	}
	details := BatchDetails{Batch: batch}
	recall, transfers, err := a.loadHistory(ctx, serialID)
	if err != nil {
		return BatchDetails{}, err
	}
	details.Recall = recall
	details.Transfers = transfers
	return details, nil
}

// ListBatches returns the newest batches registered by a manufacturer.
func (a *App) ListBatches(ctx context.Context, manufacturerID string, limit int) ([]domain.Batch, error) {
	batches, err := a.store.ListBatchesByManufacturer(ctx, manufacturerID, limit)
	if err != nil {
		return nil, unavailable("list batches", err)
	}
	return batches, nil
}

// ListIncomingTransfers returns the pending transfers addressed to recipientID.
func (a *App) ListIncomingTransfers(ctx context.Context, recipientID string) ([]domain.Transfer, error) {
	transfers, err := a.store.ListPendingTransfersForRecipient(ctx, recipientID)
	if err != nil {
		return nil, unavailable("list transfers", err)
	}
	return transfers, nil
}

// loadHistory fetches the active recall and the transfer history concurrently.
func (a *App) loadHistory(ctx context.Context, serialID string) (*domain.Recall, []domain.Transfer, error) {
	var (
		recall    *domain.Recall
		transfers []domain.Transfer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, ok, err := a.store.GetActiveRecall(gctx, serialID)
		if err != nil {
			return err
		}
		if ok {
			recall = &r
		}
		return nil
	})
	g.Go(func() error {
		var err error
		transfers, err = a.store.ListTransfersBySerial(gctx, serialID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, unavailable("load batch history", err)
	}
	return recall, transfers, nil
}

func resolveRecipient(ctx context.Context, s store.Store, ref string) (domain.Identity, bool, error) {
	switch {
	case walletsig.IsAddress(strings.ToLower(ref)):
		return s.GetIdentityByWallet(ctx, ref)
	case strings.Contains(ref, "@"):
		return s.GetIdentityByEmail(ctx, strings.ToLower(ref))
	default:
		return s.GetIdentity(ctx, ref)
	}
}

// mintSerial returns "DRUG-<year>-<8 upper-case hex>".
func mintSerial(now time.Time) string {
	return fmt.Sprintf("DRUG-%d-%s", now.Year(), strings.ToUpper(uuid.NewString()[:8]))
}

// hashMetadata is SHA-256 over the canonical JSON of the batch attributes and
// the manufacturer they are attested by.
func hashMetadata(in BatchInput, manufacturer domain.Identity) (string, error) {
	raw, err := json.Marshal(struct {
		DrugName              string    `json:"drugName"`
		BatchNumber           string    `json:"batchNumber"`
		Quantity              int       `json:"quantity"`
		ProductionDate        time.Time `json:"productionDate"`
		ExpiryDate            time.Time `json:"expiryDate"`
		ManufacturingLocation string    `json:"manufacturingLocation"`
		Manufacturer          string    `json:"manufacturer"`
		ManufacturerAddress   string    `json:"manufacturerAddress"`
	}{
		DrugName:              strings.TrimSpace(in.DrugName),
		BatchNumber:           strings.TrimSpace(in.BatchNumber),
		Quantity:              in.Quantity,
		ProductionDate:        in.ProductionDate.UTC(),
		ExpiryDate:            in.ExpiryDate.UTC(),
		ManufacturingLocation: strings.TrimSpace(in.ManufacturingLocation),
		Manufacturer:          manufacturer.CompanyName,
		ManufacturerAddress:   manufacturer.WalletAddress,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
