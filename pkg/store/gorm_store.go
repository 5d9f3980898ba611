package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"pharmatrace/pkg/domain"
)

const migrateLockID int64 = 51807713

const defaultListLimit = 100

// GormStore implements Store using GORM over Postgres (production) or SQLite
// (local development and tests).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB selected by dsn and runs auto-migrations.
// DSNs starting with "sqlite:" or "file:" use SQLite; everything else is Postgres.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database URL required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	dialector, isPostgres := openDialector(dsn)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if !isPostgres {
		// SQLite allows a single writer; one connection keeps transactions serialized.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		if err := migrate(db); err != nil {
			return nil, err
		}
		return &GormStore{db: db}, nil
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func openDialector(dsn string) (gorm.Dialector, bool) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), false
	case strings.HasPrefix(dsn, "file:"):
		return sqlite.Open(dsn), false
	default:
		return postgres.Open(dsn), true
	}
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&IdentityModel{},
		&BatchModel{},
		&TransferModel{},
		&RecallModel{},
		&VerificationLogModel{},
		&SuspiciousReportModel{},
		&AuditEventModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// At most one active recall per batch.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_recall_models_one_active
		ON recall_models (serial_id) WHERE active`).Error; err != nil {
		return fmt.Errorf("ensure active recall index: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Atomic runs fn inside a database transaction.
func (s *GormStore) Atomic(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (s *GormStore) first(ctx context.Context, dest any, lock bool, query string, args ...any) (bool, error) {
	tx := s.db.WithContext(ctx)
	if lock {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := tx.Where(query, args...).First(dest).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateIdentity inserts a new identity.
func (s *GormStore) CreateIdentity(ctx context.Context, identity domain.Identity) error {
	model := identityToModel(identity)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// GetIdentity returns an identity by ID.
func (s *GormStore) GetIdentity(ctx context.Context, id string) (domain.Identity, bool, error) {
	var model IdentityModel
	ok, err := s.first(ctx, &model, false, "id = ?", id)
	if !ok || err != nil {
		return domain.Identity{}, false, err
	}
	return identityFromModel(model), true, nil
}

// GetIdentityByWallet looks up an identity by lower-cased wallet address.
func (s *GormStore) GetIdentityByWallet(ctx context.Context, walletAddress string) (domain.Identity, bool, error) {
	var model IdentityModel
	ok, err := s.first(ctx, &model, false, "wallet_address = ?", strings.ToLower(walletAddress))
	if !ok || err != nil {
		return domain.Identity{}, false, err
	}
	return identityFromModel(model), true, nil
}

// GetIdentityByEmail looks up a password identity by email.
func (s *GormStore) GetIdentityByEmail(ctx context.Context, email string) (domain.Identity, bool, error) {
	var model IdentityModel
	ok, err := s.first(ctx, &model, false, "email = ?", email)
	if !ok || err != nil {
		return domain.Identity{}, false, err
	}
	return identityFromModel(model), true, nil
}

// RotateIdentityNonce overwrites the identity's current nonce.
func (s *GormStore) RotateIdentityNonce(ctx context.Context, id, nonce string) error {
	return s.db.WithContext(ctx).Model(&IdentityModel{}).
		Where("id = ?", id).
		Update("nonce", nonce).Error
}

// CompareAndSwapIdentityNonce replaces the nonce only if it still equals expected.
func (s *GormStore) CompareAndSwapIdentityNonce(ctx context.Context, id, expected, next string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&IdentityModel{}).
		Where("id = ? AND nonce = ?", id, expected).
		Update("nonce", next)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TouchLastLogin stamps the last successful login.
func (s *GormStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&IdentityModel{}).
		Where("id = ?", id).
		Update("last_login", at.UTC()).Error
}

// CreateBatch inserts a new batch.
func (s *GormStore) CreateBatch(ctx context.Context, batch domain.Batch) error {
	model := batchToModel(batch)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// GetBatch returns a batch by serial ID.
func (s *GormStore) GetBatch(ctx context.Context, serialID string) (domain.Batch, bool, error) {
	return s.getBatch(ctx, serialID, false)
}

// LockBatch returns a batch and locks its row for the rest of the transaction.
func (s *GormStore) LockBatch(ctx context.Context, serialID string) (domain.Batch, bool, error) {
	return s.getBatch(ctx, serialID, true)
}

func (s *GormStore) getBatch(ctx context.Context, serialID string, lock bool) (domain.Batch, bool, error) {
	var model BatchModel
	ok, err := s.first(ctx, &model, lock, "serial_id = ?", serialID)
	if !ok || err != nil {
		return domain.Batch{}, false, err
	}
	return batchFromModel(model), true, nil
}

// UpdateBatchCustody moves ownership and status of a batch.
func (s *GormStore) UpdateBatchCustody(ctx context.Context, serialID, ownerID string, status domain.BatchStatus, at time.Time) error {
	return s.db.WithContext(ctx).Model(&BatchModel{}).
		Where("serial_id = ?", serialID).
		Updates(map[string]any{
			"current_owner_id": ownerID,
			"status":           string(status),
			"updated_at":       at.UTC(),
		}).Error
}

// ListBatchesByManufacturer returns the newest batches of a manufacturer.
func (s *GormStore) ListBatchesByManufacturer(ctx context.Context, manufacturerID string, limit int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var models []BatchModel
	if err := s.db.WithContext(ctx).
		Where("manufacturer_id = ?", manufacturerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Batch, 0, len(models))
	for _, m := range models {
		res = append(res, batchFromModel(m))
	}
	return res, nil
}

// CreateTransfer inserts a new transfer proposal.
func (s *GormStore) CreateTransfer(ctx context.Context, transfer domain.Transfer) error {
	model := transferToModel(transfer)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// GetTransfer returns a transfer by ID.
func (s *GormStore) GetTransfer(ctx context.Context, id string) (domain.Transfer, bool, error) {
	return s.getTransfer(ctx, id, false)
}

// LockTransfer returns a transfer and locks its row for the rest of the transaction.
func (s *GormStore) LockTransfer(ctx context.Context, id string) (domain.Transfer, bool, error) {
	return s.getTransfer(ctx, id, true)
}

func (s *GormStore) getTransfer(ctx context.Context, id string, lock bool) (domain.Transfer, bool, error) {
	var model TransferModel
	ok, err := s.first(ctx, &model, lock, "id = ?", id)
	if !ok || err != nil {
		return domain.Transfer{}, false, err
	}
	return transferFromModel(model), true, nil
}

// ResolveTransfer moves a pending transfer to a terminal status.
// It reports false when the transfer is no longer pending.
func (s *GormStore) ResolveTransfer(ctx context.Context, id string, status domain.TransferStatus, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":        string(status),
		"resolved_date": at.UTC(),
	}
	if status == domain.TransferAccepted {
		updates["accepted_date"] = at.UTC()
	}
	res := s.db.WithContext(ctx).Model(&TransferModel{}).
		Where("id = ? AND status = ?", id, string(domain.TransferPending)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListTransfersBySerial returns the transfer history of a batch, oldest first.
func (s *GormStore) ListTransfersBySerial(ctx context.Context, serialID string) ([]domain.Transfer, error) {
	return s.listTransfers(ctx, "transfer_date ASC", "serial_id = ?", serialID)
}

// ListPendingTransfersForRecipient returns incoming proposals, newest first.
func (s *GormStore) ListPendingTransfersForRecipient(ctx context.Context, recipientID string) ([]domain.Transfer, error) {
	return s.listTransfers(ctx, "transfer_date DESC", "recipient_id = ? AND status = ?", recipientID, string(domain.TransferPending))
}

func (s *GormStore) listTransfers(ctx context.Context, order string, query string, args ...any) ([]domain.Transfer, error) {
	var models []TransferModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order(order).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Transfer, 0, len(models))
	for _, m := range models {
		res = append(res, transferFromModel(m))
	}
	return res, nil
}

// CreateRecall inserts a recall. A second active recall for the same batch
// violates idx_recall_models_one_active and yields ErrDuplicate.
func (s *GormStore) CreateRecall(ctx context.Context, recall domain.Recall) error {
	model := recallToModel(recall)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// GetRecall returns a recall by ID.
func (s *GormStore) GetRecall(ctx context.Context, id string) (domain.Recall, bool, error) {
	var model RecallModel
	ok, err := s.first(ctx, &model, false, "id = ?", id)
	if !ok || err != nil {
		return domain.Recall{}, false, err
	}
	return recallFromModel(model), true, nil
}

// GetActiveRecall returns the active recall of a batch, if any.
func (s *GormStore) GetActiveRecall(ctx context.Context, serialID string) (domain.Recall, bool, error) {
	var model RecallModel
	ok, err := s.first(ctx, &model, false, "serial_id = ? AND active = ?", serialID, true)
	if !ok || err != nil {
		return domain.Recall{}, false, err
	}
	return recallFromModel(model), true, nil
}

// DeactivateRecall resolves an active recall; false means it was already inactive.
func (s *GormStore) DeactivateRecall(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&RecallModel{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{
			"active":      false,
			"resolved_at": at.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AppendVerificationLog records one verification attempt.
func (s *GormStore) AppendVerificationLog(ctx context.Context, entry domain.VerificationLog) error {
	model := verificationLogToModel(entry)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// ListVerificationLogs returns verification attempts for a serial, newest first.
func (s *GormStore) ListVerificationLogs(ctx context.Context, serialID string) ([]domain.VerificationLog, error) {
	var models []VerificationLogModel
	if err := s.db.WithContext(ctx).
		Where("serial_id = ?", serialID).
		Order("verified_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.VerificationLog, 0, len(models))
	for _, m := range models {
		res = append(res, verificationLogFromModel(m))
	}
	return res, nil
}

// CreateSuspiciousReport stores a report about a suspicious product.
func (s *GormStore) CreateSuspiciousReport(ctx context.Context, report domain.SuspiciousReport) error {
	model := SuspiciousReportModel{
		ID:             report.ID,
		SerialID:       report.SerialID,
		ReporterRole:   string(report.ReporterRole),
		ReporterUserID: report.ReporterUserID,
		Reason:         report.Reason,
		Description:    report.Description,
		Location:       report.Location,
		ReportedAt:     report.ReportedAt.UTC(),
	}
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// InsertAuditEvent appends an audit event; duplicate tx hashes yield ErrDuplicate.
func (s *GormStore) InsertAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	model := auditEventToModel(event)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

// ListAuditEventsBySerial returns the audit trail of a batch in chronological order.
func (s *GormStore) ListAuditEventsBySerial(ctx context.Context, serialID string) ([]domain.AuditEvent, error) {
	var models []AuditEventModel
	if err := s.db.WithContext(ctx).
		Where("serial_id = ?", serialID).
		Order("timestamp ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AuditEvent, 0, len(models))
	for _, m := range models {
		res = append(res, auditEventFromModel(m))
	}
	return res, nil
}

// GetAuditEventByTxHash returns one audit event by its hash.
func (s *GormStore) GetAuditEventByTxHash(ctx context.Context, txHash string) (domain.AuditEvent, bool, error) {
	var model AuditEventModel
	ok, err := s.first(ctx, &model, false, "tx_hash = ?", txHash)
	if !ok || err != nil {
		return domain.AuditEvent{}, false, err
	}
	return auditEventFromModel(model), true, nil
}

// CountBatchesByStatus groups a manufacturer's batches by status.
func (s *GormStore) CountBatchesByStatus(ctx context.Context, manufacturerID string) (map[domain.BatchStatus]int, error) {
	counts, err := s.countGrouped(ctx, &BatchModel{}, "status", "manufacturer_id = ?", manufacturerID)
	if err != nil {
		return nil, err
	}
	res := make(map[domain.BatchStatus]int, len(counts))
	for k, n := range counts {
		res[domain.BatchStatus(k)] = n
	}
	return res, nil
}

// CountBatchesOwnedBy counts the batches currently held by ownerID.
func (s *GormStore) CountBatchesOwnedBy(ctx context.Context, ownerID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&BatchModel{}).
		Where("current_owner_id = ?", ownerID).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountTransfersBySender groups the transfers proposed by senderID by status.
func (s *GormStore) CountTransfersBySender(ctx context.Context, senderID string) (map[domain.TransferStatus]int, error) {
	counts, err := s.countGrouped(ctx, &TransferModel{}, "status", "sender_id = ?", senderID)
	if err != nil {
		return nil, err
	}
	res := make(map[domain.TransferStatus]int, len(counts))
	for k, n := range counts {
		res[domain.TransferStatus(k)] = n
	}
	return res, nil
}

// CountVerificationsByUser groups the verifications made by userID by result.
func (s *GormStore) CountVerificationsByUser(ctx context.Context, userID string) (map[domain.VerificationResult]int, error) {
	counts, err := s.countGrouped(ctx, &VerificationLogModel{}, "result", "verifier_user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	res := make(map[domain.VerificationResult]int, len(counts))
	for k, n := range counts {
		res[domain.VerificationResult(k)] = n
	}
	return res, nil
}

func (s *GormStore) countGrouped(ctx context.Context, model any, column, query string, args ...any) (map[string]int, error) {
	var rows []struct {
		Grp string
		N   int
	}
	if err := s.db.WithContext(ctx).Model(model).
		Select(column+" AS grp, COUNT(*) AS n").
		Where(query, args...).
		Group(column).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make(map[string]int, len(rows))
	for _, r := range rows {
		res[r.Grp] = r.N
	}
	return res, nil
}

func identityToModel(i domain.Identity) IdentityModel {
	var email *string
	if i.Email != "" {
		e := i.Email
		email = &e
	}
	return IdentityModel{
		ID:            i.ID,
		Role:          string(i.Role),
		CompanyName:   i.CompanyName,
		LicenseNumber: i.LicenseNumber,
		WalletAddress: strings.ToLower(i.WalletAddress),
		Nonce:         i.CurrentNonce,
		Email:         email,
		PasswordHash:  i.PasswordHash,
		Verified:      i.Verified,
		CreatedAt:     i.CreatedAt.UTC(),
		LastLogin:     utcPtr(i.LastLogin),
	}
}

func identityFromModel(m IdentityModel) domain.Identity {
	identity := domain.Identity{
		ID:            m.ID,
		Role:          domain.Role(m.Role),
		CompanyName:   m.CompanyName,
		LicenseNumber: m.LicenseNumber,
		WalletAddress: m.WalletAddress,
		CurrentNonce:  m.Nonce,
		PasswordHash:  m.PasswordHash,
		Verified:      m.Verified,
		CreatedAt:     m.CreatedAt,
		LastLogin:     m.LastLogin,
	}
	if m.Email != nil {
		identity.Email = *m.Email
	}
	return identity
}

func batchToModel(b domain.Batch) BatchModel {
	return BatchModel{
		SerialID:              b.SerialID,
		DrugName:              b.DrugName,
		BatchNumber:           b.BatchNumber,
		Quantity:              b.Quantity,
		ManufacturerID:        b.ManufacturerID,
		ProductionDate:        b.ProductionDate.UTC(),
		ExpiryDate:            b.ExpiryDate.UTC(),
		ManufacturingLocation: b.ManufacturingLocation,
		MetadataHash:          b.MetadataHash,
		RegistrationTxHash:    b.RegistrationTxHash,
		Status:                string(b.Status),
		CurrentOwnerID:        b.CurrentOwnerID,
		CreatedAt:             b.CreatedAt.UTC(),
		UpdatedAt:             b.UpdatedAt.UTC(),
	}
}

func batchFromModel(m BatchModel) domain.Batch {
	return domain.Batch{
		SerialID:              m.SerialID,
		DrugName:              m.DrugName,
		BatchNumber:           m.BatchNumber,
		Quantity:              m.Quantity,
		ManufacturerID:        m.ManufacturerID,
		ProductionDate:        m.ProductionDate,
		ExpiryDate:            m.ExpiryDate,
		ManufacturingLocation: m.ManufacturingLocation,
		MetadataHash:          m.MetadataHash,
		RegistrationTxHash:    m.RegistrationTxHash,
		Status:                domain.BatchStatus(m.Status),
		CurrentOwnerID:        m.CurrentOwnerID,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func transferToModel(t domain.Transfer) TransferModel {
	return TransferModel{
		ID:            t.ID,
		SerialID:      t.SerialID,
		SenderID:      t.SenderID,
		RecipientID:   t.RecipientID,
		SenderRole:    string(t.SenderRole),
		RecipientRole: string(t.RecipientRole),
		Quantity:      t.Quantity,
		TransferType:  string(t.TransferType),
		TxHash:        t.TxHash,
		Location:      t.Location,
		Notes:         t.Notes,
		Status:        string(t.Status),
		TransferDate:  t.TransferDate.UTC(),
		AcceptedDate:  utcPtr(t.AcceptedDate),
		ResolvedDate:  utcPtr(t.ResolvedDate),
	}
}

func transferFromModel(m TransferModel) domain.Transfer {
	return domain.Transfer{
		ID:            m.ID,
		SerialID:      m.SerialID,
		SenderID:      m.SenderID,
		RecipientID:   m.RecipientID,
		SenderRole:    domain.Role(m.SenderRole),
		RecipientRole: domain.Role(m.RecipientRole),
		Quantity:      m.Quantity,
		TransferType:  domain.TransferType(m.TransferType),
		TxHash:        m.TxHash,
		Location:      m.Location,
		Notes:         m.Notes,
		Status:        domain.TransferStatus(m.Status),
		TransferDate:  m.TransferDate,
		AcceptedDate:  m.AcceptedDate,
		ResolvedDate:  m.ResolvedDate,
	}
}

func recallToModel(r domain.Recall) RecallModel {
	return RecallModel{
		ID:          r.ID,
		SerialID:    r.SerialID,
		Reason:      r.Reason,
		InitiatorID: r.InitiatorID,
		TxHash:      r.TxHash,
		Active:      r.Active,
		InitiatedAt: r.InitiatedAt.UTC(),
		ResolvedAt:  utcPtr(r.ResolvedAt),
	}
}

func recallFromModel(m RecallModel) domain.Recall {
	return domain.Recall{
		ID:          m.ID,
		SerialID:    m.SerialID,
		Reason:      m.Reason,
		InitiatorID: m.InitiatorID,
		TxHash:      m.TxHash,
		Active:      m.Active,
		InitiatedAt: m.InitiatedAt,
		ResolvedAt:  m.ResolvedAt,
	}
}

func verificationLogToModel(v domain.VerificationLog) VerificationLogModel {
	return VerificationLogModel{
		ID:             v.ID,
		SerialID:       v.SerialID,
		VerifierRole:   string(v.VerifierRole),
		VerifierUserID: v.VerifierUserID,
		Result:         string(v.Result),
		IPAddress:      v.IPAddress,
		VerifiedAt:     v.VerifiedAt.UTC(),
	}
}

func verificationLogFromModel(m VerificationLogModel) domain.VerificationLog {
	return domain.VerificationLog{
		ID:             m.ID,
		SerialID:       m.SerialID,
		VerifierRole:   domain.Role(m.VerifierRole),
		VerifierUserID: m.VerifierUserID,
		Result:         domain.VerificationResult(m.Result),
		IPAddress:      m.IPAddress,
		VerifiedAt:     m.VerifiedAt,
	}
}

func auditEventToModel(e domain.AuditEvent) AuditEventModel {
	return AuditEventModel{
		ID:          e.ID,
		TxHash:      e.TxHash,
		EventType:   string(e.EventType),
		SerialID:    e.SerialID,
		FromAddress: e.FromAddress,
		ToAddress:   e.ToAddress,
		Payload:     []byte(e.Payload),
		Timestamp:   e.Timestamp.UTC(),
	}
}

func auditEventFromModel(m AuditEventModel) domain.AuditEvent {
	return domain.AuditEvent{
		ID:          m.ID,
		TxHash:      m.TxHash,
		EventType:   domain.EventType(m.EventType),
		SerialID:    m.SerialID,
		FromAddress: m.FromAddress,
		ToAddress:   m.ToAddress,
		Payload:     []byte(m.Payload),
		Timestamp:   m.Timestamp,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
