package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"pharmatrace/pkg/domain"
)

type memData struct {
	identities  map[string]domain.Identity
	byWallet    map[string]string
	byEmail     map[string]string
	batches     map[string]domain.Batch
	transfers   map[string]domain.Transfer
	recalls     map[string]domain.Recall
	verifyLogs  []domain.VerificationLog
	reports     []domain.SuspiciousReport
	auditEvents []domain.AuditEvent
	byTxHash    map[string]int
}

func newMemData() *memData {
	return &memData{
		identities: make(map[string]domain.Identity),
		byWallet:   make(map[string]string),
		byEmail:    make(map[string]string),
		batches:    make(map[string]domain.Batch),
		transfers:  make(map[string]domain.Transfer),
		recalls:    make(map[string]domain.Recall),
		byTxHash:   make(map[string]int),
	}
}

func (d *memData) clone() *memData {
	return &memData{
		identities:  maps.Clone(d.identities),
		byWallet:    maps.Clone(d.byWallet),
		byEmail:     maps.Clone(d.byEmail),
		batches:     maps.Clone(d.batches),
		transfers:   maps.Clone(d.transfers),
		recalls:     maps.Clone(d.recalls),
		verifyLogs:  slices.Clone(d.verifyLogs),
		reports:     slices.Clone(d.reports),
		auditEvents: slices.Clone(d.auditEvents),
		byTxHash:    maps.Clone(d.byTxHash),
	}
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	memView
}

// memView is the Store implementation shared by the top-level store and the
// view handed to Atomic callbacks. Inside a transaction the store mutex is
// already held, so read and write helpers do not lock again.
type memView struct {
	mu   *sync.RWMutex
	inTx bool
	d    *memData
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memView{mu: &sync.RWMutex{}, d: newMemData()}}
}

func (v *memView) read() func() {
	if v.inTx {
		return func() {}
	}
	v.mu.RLock()
	return v.mu.RUnlock
}

func (v *memView) write() func() {
	if v.inTx {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

// Atomic runs fn with exclusive access; on error all writes made by fn are discarded.
func (v *memView) Atomic(ctx context.Context, fn func(Store) error) error {
	if v.inTx {
		return fn(v)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := v.d.clone()
	tx := &memView{mu: v.mu, inTx: true, d: v.d}
	if err := fn(tx); err != nil {
		*v.d = *snap
		return err
	}
	return nil
}

func (v *memView) CreateIdentity(_ context.Context, identity domain.Identity) error {
	defer v.write()()
	wallet := strings.ToLower(identity.WalletAddress)
	if _, ok := v.d.identities[identity.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := v.d.byWallet[wallet]; ok {
		return ErrDuplicate
	}
	if identity.Email != "" {
		if _, ok := v.d.byEmail[identity.Email]; ok {
			return ErrDuplicate
		}
		v.d.byEmail[identity.Email] = identity.ID
	}
	identity.WalletAddress = wallet
	v.d.identities[identity.ID] = identity
	v.d.byWallet[wallet] = identity.ID
	return nil
}

func (v *memView) GetIdentity(_ context.Context, id string) (domain.Identity, bool, error) {
	defer v.read()()
	identity, ok := v.d.identities[id]
	return identity, ok, nil
}

func (v *memView) GetIdentityByWallet(_ context.Context, walletAddress string) (domain.Identity, bool, error) {
	defer v.read()()
	id, ok := v.d.byWallet[strings.ToLower(walletAddress)]
	if !ok {
		return domain.Identity{}, false, nil
	}
	identity, ok := v.d.identities[id]
	return identity, ok, nil
}

func (v *memView) GetIdentityByEmail(_ context.Context, email string) (domain.Identity, bool, error) {
	defer v.read()()
	id, ok := v.d.byEmail[email]
	if !ok {
		return domain.Identity{}, false, nil
	}
	identity, ok := v.d.identities[id]
	return identity, ok, nil
}

func (v *memView) RotateIdentityNonce(_ context.Context, id, nonce string) error {
	defer v.write()()
	identity, ok := v.d.identities[id]
	if !ok {
		return nil
	}
	identity.CurrentNonce = nonce
	v.d.identities[id] = identity
	return nil
}

func (v *memView) CompareAndSwapIdentityNonce(_ context.Context, id, expected, next string) (bool, error) {
	defer v.write()()
	identity, ok := v.d.identities[id]
	if !ok || identity.CurrentNonce != expected {
		return false, nil
	}
	identity.CurrentNonce = next
	v.d.identities[id] = identity
	return true, nil
}

func (v *memView) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	defer v.write()()
	identity, ok := v.d.identities[id]
	if !ok {
		return nil
	}
	at = at.UTC()
	identity.LastLogin = &at
	v.d.identities[id] = identity
	return nil
}

func (v *memView) CreateBatch(_ context.Context, batch domain.Batch) error {
	defer v.write()()
	if _, ok := v.d.batches[batch.SerialID]; ok {
		return ErrDuplicate
	}
	v.d.batches[batch.SerialID] = batch
	return nil
}

func (v *memView) GetBatch(_ context.Context, serialID string) (domain.Batch, bool, error) {
	defer v.read()()
	batch, ok := v.d.batches[serialID]
	return batch, ok, nil
}

func (v *memView) LockBatch(ctx context.Context, serialID string) (domain.Batch, bool, error) {
	return v.GetBatch(ctx, serialID)
}

func (v *memView) UpdateBatchCustody(_ context.Context, serialID, ownerID string, status domain.BatchStatus, at time.Time) error {
	defer v.write()()
	batch, ok := v.d.batches[serialID]
	if !ok {
		return nil
	}
	batch.CurrentOwnerID = ownerID
	batch.Status = status
	batch.UpdatedAt = at.UTC()
	v.d.batches[serialID] = batch
	return nil
}

func (v *memView) ListBatchesByManufacturer(_ context.Context, manufacturerID string, limit int) ([]domain.Batch, error) {
	defer v.read()()
	if limit <= 0 {
		limit = defaultListLimit
	}
	res := make([]domain.Batch, 0)
	for _, b := range v.d.batches {
		if b.ManufacturerID == manufacturerID {
			res = append(res, b)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].SerialID < res[j].SerialID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (v *memView) CreateTransfer(_ context.Context, transfer domain.Transfer) error {
	defer v.write()()
	if _, ok := v.d.transfers[transfer.ID]; ok {
		return ErrDuplicate
	}
	v.d.transfers[transfer.ID] = transfer
	return nil
}

func (v *memView) GetTransfer(_ context.Context, id string) (domain.Transfer, bool, error) {
	defer v.read()()
	transfer, ok := v.d.transfers[id]
	return transfer, ok, nil
}

func (v *memView) LockTransfer(ctx context.Context, id string) (domain.Transfer, bool, error) {
	return v.GetTransfer(ctx, id)
}

func (v *memView) ResolveTransfer(_ context.Context, id string, status domain.TransferStatus, at time.Time) (bool, error) {
	defer v.write()()
	transfer, ok := v.d.transfers[id]
	if !ok || transfer.Status != domain.TransferPending {
		return false, nil
	}
	at = at.UTC()
	transfer.Status = status
	transfer.ResolvedDate = &at
	if status == domain.TransferAccepted {
		transfer.AcceptedDate = &at
	}
	v.d.transfers[id] = transfer
	return true, nil
}

func (v *memView) ListTransfersBySerial(_ context.Context, serialID string) ([]domain.Transfer, error) {
	defer v.read()()
	res := make([]domain.Transfer, 0)
	for _, t := range v.d.transfers {
		if t.SerialID == serialID {
			res = append(res, t)
		}
	}
	sortTransfers(res, false)
	return res, nil
}

func (v *memView) ListPendingTransfersForRecipient(_ context.Context, recipientID string) ([]domain.Transfer, error) {
	defer v.read()()
	res := make([]domain.Transfer, 0)
	for _, t := range v.d.transfers {
		if t.RecipientID == recipientID && t.Status == domain.TransferPending {
			res = append(res, t)
		}
	}
	sortTransfers(res, true)
	return res, nil
}

func sortTransfers(items []domain.Transfer, newestFirst bool) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.TransferDate.Equal(b.TransferDate) {
			return a.ID < b.ID
		}
		if newestFirst {
			return a.TransferDate.After(b.TransferDate)
		}
		return a.TransferDate.Before(b.TransferDate)
	})
}

func (v *memView) CreateRecall(_ context.Context, recall domain.Recall) error {
	defer v.write()()
	if _, ok := v.d.recalls[recall.ID]; ok {
		return ErrDuplicate
	}
	if recall.Active {
		for _, r := range v.d.recalls {
			if r.SerialID == recall.SerialID && r.Active {
				return ErrDuplicate
			}
		}
	}
	v.d.recalls[recall.ID] = recall
	return nil
}

func (v *memView) GetRecall(_ context.Context, id string) (domain.Recall, bool, error) {
	defer v.read()()
	recall, ok := v.d.recalls[id]
	return recall, ok, nil
}

func (v *memView) GetActiveRecall(_ context.Context, serialID string) (domain.Recall, bool, error) {
	defer v.read()()
	for _, r := range v.d.recalls {
		if r.SerialID == serialID && r.Active {
			return r, true, nil
		}
	}
	return domain.Recall{}, false, nil
}

func (v *memView) DeactivateRecall(_ context.Context, id string, at time.Time) (bool, error) {
	defer v.write()()
	recall, ok := v.d.recalls[id]
	if !ok || !recall.Active {
		return false, nil
	}
	at = at.UTC()
	recall.Active = false
	recall.ResolvedAt = &at
	v.d.recalls[id] = recall
	return true, nil
}

func (v *memView) AppendVerificationLog(_ context.Context, entry domain.VerificationLog) error {
	defer v.write()()
	v.d.verifyLogs = append(v.d.verifyLogs, entry)
	return nil
}

func (v *memView) ListVerificationLogs(_ context.Context, serialID string) ([]domain.VerificationLog, error) {
	defer v.read()()
	res := make([]domain.VerificationLog, 0)
	for i := len(v.d.verifyLogs) - 1; i >= 0; i-- {
		if v.d.verifyLogs[i].SerialID == serialID {
			res = append(res, v.d.verifyLogs[i])
		}
	}
	return res, nil
}

func (v *memView) CreateSuspiciousReport(_ context.Context, report domain.SuspiciousReport) error {
	defer v.write()()
	v.d.reports = append(v.d.reports, report)
	return nil
}

func (v *memView) InsertAuditEvent(_ context.Context, event domain.AuditEvent) error {
	defer v.write()()
	if _, ok := v.d.byTxHash[event.TxHash]; ok {
		return ErrDuplicate
	}
	event.Payload = slices.Clone(event.Payload)
	v.d.byTxHash[event.TxHash] = len(v.d.auditEvents)
	v.d.auditEvents = append(v.d.auditEvents, event)
	return nil
}

// ListAuditEventsBySerial returns events in insertion order, which is also chronological.
func (v *memView) ListAuditEventsBySerial(_ context.Context, serialID string) ([]domain.AuditEvent, error) {
	defer v.read()()
	res := make([]domain.AuditEvent, 0)
	for _, e := range v.d.auditEvents {
		if e.SerialID == serialID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (v *memView) GetAuditEventByTxHash(_ context.Context, txHash string) (domain.AuditEvent, bool, error) {
	defer v.read()()
	idx, ok := v.d.byTxHash[txHash]
	if !ok {
		return domain.AuditEvent{}, false, nil
	}
	return v.d.auditEvents[idx], true, nil
}

func (v *memView) CountBatchesByStatus(_ context.Context, manufacturerID string) (map[domain.BatchStatus]int, error) {
	defer v.read()()
	res := make(map[domain.BatchStatus]int)
	for _, b := range v.d.batches {
		if b.ManufacturerID == manufacturerID {
			res[b.Status]++
		}
	}
	return res, nil
}

func (v *memView) CountBatchesOwnedBy(_ context.Context, ownerID string) (int, error) {
	defer v.read()()
	n := 0
	for _, b := range v.d.batches {
		if b.CurrentOwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (v *memView) CountTransfersBySender(_ context.Context, senderID string) (map[domain.TransferStatus]int, error) {
	defer v.read()()
	res := make(map[domain.TransferStatus]int)
	for _, t := range v.d.transfers {
		if t.SenderID == senderID {
			res[t.Status]++
		}
	}
	return res, nil
}

func (v *memView) CountVerificationsByUser(_ context.Context, userID string) (map[domain.VerificationResult]int, error) {
	defer v.read()()
	res := make(map[domain.VerificationResult]int)
	for _, entry := range v.d.verifyLogs {
		if entry.VerifierUserID == userID {
			res[entry.Result]++
		}
	}
	return res, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
