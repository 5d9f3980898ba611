package store

import (
	"context"
	"errors"
	"time"

	"pharmatrace/pkg/domain"
)

var (
	// ErrDuplicate is returned when a unique key (serial ID, wallet, tx hash) already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store defines persistence operations for identities, custody records,
// verification facts and audit events.
//
// Methods that change shared rows (nonce rotation, transfer resolution,
// recall deactivation) are compare-and-swap: they report false when the row
// no longer holds the expected state.
type Store interface {
	// Atomic runs fn in a single transaction. The Store passed to fn is bound
	// to that transaction; returning an error rolls every write back.
	Atomic(ctx context.Context, fn func(Store) error) error

	// identities
	CreateIdentity(ctx context.Context, identity domain.Identity) error
	GetIdentity(ctx context.Context, id string) (domain.Identity, bool, error)
	GetIdentityByWallet(ctx context.Context, walletAddress string) (domain.Identity, bool, error)
	GetIdentityByEmail(ctx context.Context, email string) (domain.Identity, bool, error)
	RotateIdentityNonce(ctx context.Context, id, nonce string) error
	CompareAndSwapIdentityNonce(ctx context.Context, id, expected, next string) (bool, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error

	// batches
	CreateBatch(ctx context.Context, batch domain.Batch) error
	GetBatch(ctx context.Context, serialID string) (domain.Batch, bool, error)
	// LockBatch reads a batch and holds a row lock until the transaction ends.
	LockBatch(ctx context.Context, serialID string) (domain.Batch, bool, error)
	UpdateBatchCustody(ctx context.Context, serialID, ownerID string, status domain.BatchStatus, at time.Time) error
	ListBatchesByManufacturer(ctx context.Context, manufacturerID string, limit int) ([]domain.Batch, error)

	// transfers
	CreateTransfer(ctx context.Context, transfer domain.Transfer) error
	GetTransfer(ctx context.Context, id string) (domain.Transfer, bool, error)
	LockTransfer(ctx context.Context, id string) (domain.Transfer, bool, error)
	ResolveTransfer(ctx context.Context, id string, status domain.TransferStatus, at time.Time) (bool, error)
	ListTransfersBySerial(ctx context.Context, serialID string) ([]domain.Transfer, error)
	ListPendingTransfersForRecipient(ctx context.Context, recipientID string) ([]domain.Transfer, error)

	// recalls
	CreateRecall(ctx context.Context, recall domain.Recall) error
	GetRecall(ctx context.Context, id string) (domain.Recall, bool, error)
	GetActiveRecall(ctx context.Context, serialID string) (domain.Recall, bool, error)
	DeactivateRecall(ctx context.Context, id string, at time.Time) (bool, error)

	// verification facts
	AppendVerificationLog(ctx context.Context, entry domain.VerificationLog) error
	ListVerificationLogs(ctx context.Context, serialID string) ([]domain.VerificationLog, error)
	CreateSuspiciousReport(ctx context.Context, report domain.SuspiciousReport) error

	// audit events
	InsertAuditEvent(ctx context.Context, event domain.AuditEvent) error
	ListAuditEventsBySerial(ctx context.Context, serialID string) ([]domain.AuditEvent, error)
	GetAuditEventByTxHash(ctx context.Context, txHash string) (domain.AuditEvent, bool, error)

	// dashboard counters
	CountBatchesByStatus(ctx context.Context, manufacturerID string) (map[domain.BatchStatus]int, error)
	CountBatchesOwnedBy(ctx context.Context, ownerID string) (int, error)
	CountTransfersBySender(ctx context.Context, senderID string) (map[domain.TransferStatus]int, error)
	CountVerificationsByUser(ctx context.Context, userID string) (map[domain.VerificationResult]int, error)
}
