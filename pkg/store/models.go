package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type IdentityModel struct {
	ID            string  `gorm:"primaryKey"`
	Role          string  `gorm:"not null"`
	CompanyName   string  `gorm:"not null"`
	LicenseNumber string  `gorm:"not null"`
	WalletAddress string  `gorm:"uniqueIndex;not null"`
	Nonce         string  `gorm:"not null;default:''"`
	Email         *string `gorm:"uniqueIndex"`
	PasswordHash  string
	Verified      bool      `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	LastLogin     *time.Time
}

type BatchModel struct {
	SerialID              string    `gorm:"primaryKey"`
	DrugName              string    `gorm:"not null"`
	BatchNumber           string    `gorm:"not null"`
	Quantity              int       `gorm:"not null"`
	ManufacturerID        string    `gorm:"not null;index"`
	ProductionDate        time.Time `gorm:"not null"`
	ExpiryDate            time.Time `gorm:"not null"`
	ManufacturingLocation string    `gorm:"not null"`
	MetadataHash          string    `gorm:"not null"`
	RegistrationTxHash    string    `gorm:"not null"`
	Status                string    `gorm:"not null;index"`
	CurrentOwnerID        string    `gorm:"not null;index"`
	CreatedAt             time.Time `gorm:"not null;index"`
	UpdatedAt             time.Time `gorm:"not null"`
}

type TransferModel struct {
	ID            string    `gorm:"primaryKey"`
	SerialID      string    `gorm:"not null;index"`
	SenderID      string    `gorm:"not null;index"`
	RecipientID   string    `gorm:"not null;index"`
	SenderRole    string    `gorm:"not null"`
	RecipientRole string    `gorm:"not null"`
	Quantity      int       `gorm:"not null"`
	TransferType  string    `gorm:"not null"`
	TxHash        string    `gorm:"not null"`
	Location      string    `gorm:"not null"`
	Notes         string
	Status        string    `gorm:"not null;index"`
	TransferDate  time.Time `gorm:"not null;index"`
	AcceptedDate  *time.Time
	ResolvedDate  *time.Time
}

type RecallModel struct {
	ID          string    `gorm:"primaryKey"`
	SerialID    string    `gorm:"not null;index"`
	Reason      string    `gorm:"not null"`
	InitiatorID string    `gorm:"not null"`
	TxHash      string    `gorm:"not null"`
	Active      bool      `gorm:"not null;index"`
	InitiatedAt time.Time `gorm:"not null"`
	ResolvedAt  *time.Time
}

type VerificationLogModel struct {
	ID             string `gorm:"primaryKey"`
	SerialID       string `gorm:"not null;index"`
	VerifierRole   string
	VerifierUserID string `gorm:"index"`
	Result         string `gorm:"not null"`
	IPAddress      string
	VerifiedAt     time.Time `gorm:"not null;index"`
}

type SuspiciousReportModel struct {
	ID             string `gorm:"primaryKey"`
	SerialID       string `gorm:"not null;index"`
	ReporterRole   string
	ReporterUserID string
	Reason         string `gorm:"not null"`
	Description    string
	Location       string
	ReportedAt     time.Time `gorm:"not null"`
}

// AuditEventModel rows are only ever inserted; tx_hash uniqueness turns a
// hash collision into a rejected write instead of an overwrite.
type AuditEventModel struct {
	ID          string         `gorm:"primaryKey"`
	TxHash      string         `gorm:"uniqueIndex;not null"`
	EventType   string         `gorm:"not null"`
	SerialID    string         `gorm:"not null;index"`
	FromAddress string         `gorm:"not null"`
	ToAddress   string         `gorm:"not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	Timestamp   time.Time      `gorm:"not null;index"`
}
