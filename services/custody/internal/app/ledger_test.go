package app

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"pharmatrace/pkg/domain"
	"pharmatrace/pkg/store"
)

var serialPattern = regexp.MustCompile(`^DRUG-\d{4}-[0-9A-F]{8}$`)

// failingAuditStore fails every audit insert made inside a transaction.
type failingAuditStore struct {
	store.Store
}

func (s failingAuditStore) Atomic(ctx context.Context, fn func(store.Store) error) error {
	return s.Store.Atomic(ctx, func(tx store.Store) error {
		return fn(failingAuditStore{tx})
	})
}

func (failingAuditStore) InsertAuditEvent(context.Context, domain.AuditEvent) error {
	return errors.New("audit table unavailable")
}

func TestRegisterBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)

	batch := env.registerBatch(t, mfr.ID)
	if !serialPattern.MatchString(batch.SerialID) {
		t.Fatalf("unexpected serial %q", batch.SerialID)
	}
	if batch.CurrentOwnerID != mfr.ID || batch.Status != domain.BatchActive {
		t.Fatalf("new batch must be active and owned by its manufacturer: %+v", batch)
	}
	if len(batch.MetadataHash) != 64 || batch.RegistrationTxHash == "" {
		t.Fatalf("expected metadata hash and registration hash: %+v", batch)
	}

	trail, err := env.app.AuditTrail(ctx, batch.SerialID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 1 || trail[0].EventType != domain.EventBatchRegistration || trail[0].TxHash != batch.RegistrationTxHash {
		t.Fatalf("unexpected audit trail %+v", trail)
	}
	if got := env.publisher.published(); len(got) != 1 || got[0].TxHash != batch.RegistrationTxHash {
		t.Fatalf("registration event not published: %+v", got)
	}

	listed, err := env.app.ListBatches(ctx, mfr.ID, 10)
	if err != nil || len(listed) != 1 || listed[0].SerialID != batch.SerialID {
		t.Fatalf("list batches = %+v, %v", listed, err)
	}
}

func TestRegisterBatchRequiresManufacturer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dist, _ := env.registerWallet(t, domain.RoleDistributor)
	now := env.clock()
	in := BatchInput{
		DrugName:              "Ibuprofen",
		BatchNumber:           "IBU-9",
		Quantity:              10,
		ProductionDate:        now,
		ExpiryDate:            now.AddDate(1, 0, 0),
		ManufacturingLocation: "Lyon",
	}
	_, err := env.app.RegisterBatch(ctx, dist.ID, in)
	assertKind(t, err, ErrForbidden)

	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	in.ExpiryDate = now.AddDate(-1, 0, 0)
	_, err = env.app.RegisterBatch(ctx, mfr.ID, in)
	assertKind(t, err, ErrValidation)
}

func TestProposeTransferChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	dist, _ := env.registerWallet(t, domain.RoleDistributor)
	batch := env.registerBatch(t, mfr.ID)

	_, err := env.app.ProposeTransfer(ctx, dist.ID, batch.SerialID, TransferInput{Recipient: mfr.ID, Quantity: 1, Location: "x"})
	assertKind(t, err, ErrForbidden)

	_, err = env.app.ProposeTransfer(ctx, mfr.ID, batch.SerialID, TransferInput{Recipient: mfr.WalletAddress, Quantity: 1, Location: "x"})
	assertKind(t, err, ErrValidation)

	_, err = env.app.ProposeTransfer(ctx, mfr.ID, batch.SerialID, TransferInput{Recipient: dist.ID, Quantity: batch.Quantity + 1, Location: "x"})
	assertKind(t, err, ErrValidation)

	_, err = env.app.ProposeTransfer(ctx, mfr.ID, batch.SerialID, TransferInput{Recipient: "0x000000000000000000000000000000000000dead", Quantity: 1, Location: "x"})
	assertKind(t, err, ErrNotFound)

	_, err = env.app.ProposeTransfer(ctx, mfr.ID, "DRUG-2024-00000000", TransferInput{Recipient: dist.ID, Quantity: 1, Location: "x"})
	assertKind(t, err, ErrNotFound)

	transfer := env.propose(t, mfr.ID, batch.SerialID, dist.WalletAddress)
	if transfer.Status != domain.TransferPending || transfer.TransferType != domain.TransferManufacturerToDistributor {
		t.Fatalf("unexpected transfer %+v", transfer)
	}
	details, err := env.app.GetBatch(ctx, batch.SerialID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if details.Batch.CurrentOwnerID != mfr.ID {
		t.Fatalf("proposal must not move custody")
	}
	incoming, err := env.app.ListIncomingTransfers(ctx, dist.ID)
	if err != nil || len(incoming) != 1 || incoming[0].ID != transfer.ID {
		t.Fatalf("incoming transfers = %+v, %v", incoming, err)
	}
}

func TestAcceptAndRejectFollowCustody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	dist, _ := env.registerWallet(t, domain.RoleDistributor)
	pharm, _ := env.registerWallet(t, domain.RolePharmacy)
	batch := env.registerBatch(t, mfr.ID)

	rejected := env.propose(t, mfr.ID, batch.SerialID, dist.ID)
	if _, err := env.app.RejectTransfer(ctx, rejected.ID, dist.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	details, _ := env.app.GetBatch(ctx, batch.SerialID)
	if details.Batch.CurrentOwnerID != mfr.ID || details.Batch.Status != domain.BatchActive {
		t.Fatalf("reject must not move custody: %+v", details.Batch)
	}

	var lastHash string
	chain := []domain.Identity{mfr, dist, pharm}
	for i := 1; i < len(chain); i++ {
		env.setNow(env.clock().Add(time.Hour))
		sender, recipient := chain[i-1], chain[i]
		proposal := env.propose(t, sender.ID, batch.SerialID, recipient.WalletAddress)
		accepted, err := env.app.AcceptTransfer(ctx, proposal.ID, recipient.ID)
		if err != nil {
			t.Fatalf("accept hop %d: %v", i, err)
		}
		if accepted.Status != domain.TransferAccepted || accepted.AcceptedDate == nil {
			t.Fatalf("unexpected accepted transfer %+v", accepted)
		}
		lastHash = proposal.TxHash
	}

	details, _ = env.app.GetBatch(ctx, batch.SerialID)
	if details.Batch.CurrentOwnerID != pharm.ID || details.Batch.Status != domain.BatchTransferred {
		t.Fatalf("owner after accepts = %q (%s), want pharmacy", details.Batch.CurrentOwnerID, details.Batch.Status)
	}
	if len(details.Transfers) != 3 {
		t.Fatalf("expected full transfer history, got %d", len(details.Transfers))
	}

	trail, err := env.app.AuditTrail(ctx, batch.SerialID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	last := trail[len(trail)-1]
	if last.FromAddress != lastHash || last.ToAddress != pharm.WalletAddress {
		t.Fatalf("accept event must reference the proposal hash: %+v", last)
	}
	var payload map[string]string
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["action"] != "accepted" || payload["originalTransferHash"] != lastHash {
		t.Fatalf("unexpected accept payload %v", payload)
	}
	for i := 1; i < len(trail); i++ {
		if trail[i].Timestamp.Before(trail[i-1].Timestamp) {
			t.Fatalf("audit trail out of order at %d", i)
		}
	}
}

func TestTransferResolutionRequiresRecipient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	dist, _ := env.registerWallet(t, domain.RoleDistributor)
	batch := env.registerBatch(t, mfr.ID)
	transfer := env.propose(t, mfr.ID, batch.SerialID, dist.ID)

	_, err := env.app.AcceptTransfer(ctx, transfer.ID, mfr.ID)
	assertKind(t, err, ErrForbidden)
	_, err = env.app.AcceptTransfer(ctx, "missing", dist.ID)
	assertKind(t, err, ErrNotFound)

	if _, err := env.app.AcceptTransfer(ctx, transfer.ID, dist.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = env.app.RejectTransfer(ctx, transfer.ID, dist.ID)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
}

func TestStaleProposalCannotBeAccepted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	distA, _ := env.registerWallet(t, domain.RoleDistributor)
	distB, _ := env.registerWallet(t, domain.RoleDistributor)
	batch := env.registerBatch(t, mfr.ID)

	toA := env.propose(t, mfr.ID, batch.SerialID, distA.ID)
	toB := env.propose(t, mfr.ID, batch.SerialID, distB.ID)
	if _, err := env.app.AcceptTransfer(ctx, toA.ID, distA.ID); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	_, err := env.app.AcceptTransfer(ctx, toB.ID, distB.ID)
	if !errors.Is(err, ErrCustodyChanged) {
		t.Fatalf("expected custody changed, got %v", err)
	}
	details, _ := env.app.GetBatch(ctx, batch.SerialID)
	if details.Batch.CurrentOwnerID != distA.ID {
		t.Fatalf("custody must stay with A")
	}
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	stores := map[string]store.Store{
		"memory": store.NewMemoryStore(),
	}
	sqlite, err := store.NewGormStore("sqlite:" + t.TempDir() + "/custody.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	stores["sqlite"] = sqlite

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			env := newTestEnvWithStore(t, s)
			ctx := context.Background()
			mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
			dist, _ := env.registerWallet(t, domain.RoleDistributor)
			batch := env.registerBatch(t, mfr.ID)
			transfer := env.propose(t, mfr.ID, batch.SerialID, dist.ID)

			var (
				mu       sync.Mutex
				wins     int
				outcomes []domain.TransferStatus
				wg       sync.WaitGroup
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					resolve := env.app.AcceptTransfer
					if i%2 == 1 {
						resolve = env.app.RejectTransfer
					}
					got, err := resolve(ctx, transfer.ID, dist.ID)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
						outcomes = append(outcomes, got.Status)
					case !errors.Is(err, ErrConflict):
						t.Errorf("loser must see a conflict, got %v", err)
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins)
			}

			details, _ := env.app.GetBatch(ctx, batch.SerialID)
			wantOwner := mfr.ID
			if outcomes[0] == domain.TransferAccepted {
				wantOwner = dist.ID
			}
			if details.Batch.CurrentOwnerID != wantOwner {
				t.Fatalf("owner %q does not match outcome %s", details.Batch.CurrentOwnerID, outcomes[0])
			}
			trail, _ := env.app.AuditTrail(ctx, batch.SerialID)
			if len(trail) != 3 {
				t.Fatalf("expected registration, proposal and one resolution event, got %d", len(trail))
			}
		})
	}
}

func TestLedgerWritesRollBackWhenAuditFails(t *testing.T) {
	base := store.NewMemoryStore()
	env := newTestEnvWithStore(t, base)
	ctx := context.Background()
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	dist, _ := env.registerWallet(t, domain.RoleDistributor)
	batch := env.registerBatch(t, mfr.ID)
	transfer := env.propose(t, mfr.ID, batch.SerialID, dist.ID)

	broken := newTestEnvWithStore(t, failingAuditStore{base})
	_, err := broken.app.AcceptTransfer(ctx, transfer.ID, dist.ID)
	assertKind(t, err, ErrUnavailable)

	got, ok, _ := base.GetTransfer(ctx, transfer.ID)
	if !ok || got.Status != domain.TransferPending {
		t.Fatalf("transfer must stay pending after rollback: %+v", got)
	}
	b, _, _ := base.GetBatch(ctx, batch.SerialID)
	if b.CurrentOwnerID != mfr.ID {
		t.Fatalf("custody must not move after rollback")
	}

	_, err = broken.app.InitiateRecall(ctx, batch.SerialID, "contamination", mfr.ID)
	assertKind(t, err, ErrUnavailable)
	if _, active, _ := base.GetActiveRecall(ctx, batch.SerialID); active {
		t.Fatalf("recall must not persist after rollback")
	}
	if len(broken.publisher.published()) != 0 {
		t.Fatalf("nothing may be published for a rolled back transaction")
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.err = errors.New("stream down")
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	batch := env.registerBatch(t, mfr.ID)
	trail, err := env.app.AuditTrail(context.Background(), batch.SerialID)
	if err != nil || len(trail) != 1 {
		t.Fatalf("event must be durable even when publishing fails: %v %v", trail, err)
	}
}

func TestRecallLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mfr, _ := env.registerWallet(t, domain.RoleManufacturer)
	dist, _ := env.registerWallet(t, domain.RoleDistributor)
	batch := env.registerBatch(t, mfr.ID)

	_, err := env.app.InitiateRecall(ctx, batch.SerialID, "contamination", dist.ID)
	assertKind(t, err, ErrForbidden)
	_, err = env.app.InitiateRecall(ctx, batch.SerialID, " ", mfr.ID)
	assertKind(t, err, ErrValidation)

	recall, err := env.app.InitiateRecall(ctx, batch.SerialID, "contamination", mfr.ID)
	if err != nil {
		t.Fatalf("initiate recall: %v", err)
	}
	if !recall.Active || recall.TxHash == "" {
		t.Fatalf("unexpected recall %+v", recall)
	}
	_, err = env.app.InitiateRecall(ctx, batch.SerialID, "again", mfr.ID)
	if !errors.Is(err, ErrRecallActive) {
		t.Fatalf("expected recall active, got %v", err)
	}

	// Custody still moves while recalled; the status stays recalled.
	transfer := env.propose(t, mfr.ID, batch.SerialID, dist.ID)
	if _, err := env.app.AcceptTransfer(ctx, transfer.ID, dist.ID); err != nil {
		t.Fatalf("accept during recall: %v", err)
	}
	details, _ := env.app.GetBatch(ctx, batch.SerialID)
	if details.Batch.Status != domain.BatchRecalled || details.Recall == nil || details.Recall.ID != recall.ID {
		t.Fatalf("batch must stay recalled: %+v", details)
	}

	_, err = env.app.ResolveRecall(ctx, recall.ID, dist.ID)
	assertKind(t, err, ErrForbidden)
	resolved, err := env.app.ResolveRecall(ctx, recall.ID, mfr.ID)
	if err != nil {
		t.Fatalf("resolve recall: %v", err)
	}
	if resolved.Active || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved recall %+v", resolved)
	}
	_, err = env.app.ResolveRecall(ctx, recall.ID, mfr.ID)
	if !errors.Is(err, ErrRecallResolved) {
		t.Fatalf("expected recall resolved, got %v", err)
	}
	details, _ = env.app.GetBatch(ctx, batch.SerialID)
	if details.Batch.Status != domain.BatchTransferred || details.Recall != nil {
		t.Fatalf("resolved recall must restore transferred status: %+v", details.Batch)
	}

	trail, _ := env.app.AuditTrail(ctx, batch.SerialID)
	last := trail[len(trail)-1]
	if last.EventType != domain.EventRecall || last.ToAddress != recall.TxHash {
		t.Fatalf("resolve event must reference the recall hash: %+v", last)
	}
	event, err := env.app.AuditEvent(ctx, recall.TxHash)
	if err != nil || event.SerialID != batch.SerialID {
		t.Fatalf("audit event lookup = %+v, %v", event, err)
	}
	_, err = env.app.AuditEvent(ctx, "0xmissing")
	assertKind(t, err, ErrNotFound)

	if _, err := env.app.InitiateRecall(ctx, batch.SerialID, "second issue", mfr.ID); err != nil {
		t.Fatalf("a new recall is allowed after resolution: %v", err)
	}
}
