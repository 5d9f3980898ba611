package domain

import (
	"encoding/json"
	"time"
)

// Role is the supply chain position of an identity.
type Role string

const (
	RoleManufacturer Role = "manufacturer"
	RoleDistributor  Role = "distributor"
	RolePharmacy     Role = "pharmacy"
	RoleConsumer     Role = "consumer"
)

// ParseRole maps a user supplied role string to a known role.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleManufacturer, RoleDistributor, RolePharmacy, RoleConsumer:
		return Role(raw), true
	default:
		return "", false
	}
}

type BatchStatus string

const (
	BatchActive      BatchStatus = "active"
	BatchTransferred BatchStatus = "transferred"
	BatchRecalled    BatchStatus = "recalled"
	BatchExpired     BatchStatus = "expired"
)

type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferAccepted TransferStatus = "accepted"
	TransferRejected TransferStatus = "rejected"
)

type TransferType string

const (
	TransferManufacturerToDistributor TransferType = "manufacturer_to_distributor"
	TransferDistributorToPharmacy     TransferType = "distributor_to_pharmacy"
	TransferPharmacyToConsumer        TransferType = "pharmacy_to_consumer"
	TransferOther                     TransferType = "other"
)

// ClassifyTransfer derives the transfer type from the ordered sender/recipient roles.
// Unexpected pairs are classified as TransferOther rather than rejected.
func ClassifyTransfer(sender, recipient Role) TransferType {
	switch sender {
	case RoleManufacturer:
		if recipient == RoleDistributor {
			return TransferManufacturerToDistributor
		}
	case RoleDistributor:
		if recipient == RolePharmacy {
			return TransferDistributorToPharmacy
		}
	case RolePharmacy:
		if recipient == RoleConsumer {
			return TransferPharmacyToConsumer
		}
	case RoleConsumer:
	}
	return TransferOther
}

type VerificationResult string

const (
	ResultAuthentic   VerificationResult = "authentic"
	ResultCounterfeit VerificationResult = "counterfeit"
	ResultUnknown     VerificationResult = "unknown"
	ResultWarning     VerificationResult = "warning"
)

type EventType string

const (
	EventBatchRegistration EventType = "batch_registration"
	EventTransfer          EventType = "transfer"
	EventRecall            EventType = "recall"
)

type Identity struct {
	ID            string     `json:"id"`
	Role          Role       `json:"role"`
	CompanyName   string     `json:"companyName"`
	LicenseNumber string     `json:"licenseNumber"`
	WalletAddress string     `json:"walletAddress"`
	CurrentNonce  string     `json:"-"`
	Email         string     `json:"email,omitempty"`
	PasswordHash  string     `json:"-"`
	Verified      bool       `json:"verified"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastLogin     *time.Time `json:"lastLogin,omitempty"`
}

type PendingNonce struct {
	WalletAddress string    `json:"walletAddress"`
	Nonce         string    `json:"nonce"`
	IssuedAt      time.Time `json:"issuedAt"`
}

type Batch struct {
	SerialID              string      `json:"serialId"`
	DrugName              string      `json:"drugName"`
	BatchNumber           string      `json:"batchNumber"`
	Quantity              int         `json:"quantity"`
	ManufacturerID        string      `json:"manufacturerId"`
	ProductionDate        time.Time   `json:"productionDate"`
	ExpiryDate            time.Time   `json:"expiryDate"`
	ManufacturingLocation string      `json:"manufacturingLocation"`
	MetadataHash          string      `json:"metadataHash"`
	RegistrationTxHash    string      `json:"registrationTxHash"`
	Status                BatchStatus `json:"status"`
	CurrentOwnerID        string      `json:"currentOwnerId"`
	CreatedAt             time.Time   `json:"createdAt"`
	UpdatedAt             time.Time   `json:"updatedAt"`
}

type Transfer struct {
	ID            string         `json:"id"`
	SerialID      string         `json:"serialId"`
	SenderID      string         `json:"senderId"`
	RecipientID   string         `json:"recipientId"`
	SenderRole    Role           `json:"senderRole"`
	RecipientRole Role           `json:"recipientRole"`
	Quantity      int            `json:"quantity"`
	TransferType  TransferType   `json:"transferType"`
	TxHash        string         `json:"txHash"`
	Location      string         `json:"location"`
	Notes         string         `json:"notes,omitempty"`
	Status        TransferStatus `json:"status"`
	TransferDate  time.Time      `json:"transferDate"`
	AcceptedDate  *time.Time     `json:"acceptedDate,omitempty"`
	ResolvedDate  *time.Time     `json:"resolvedDate,omitempty"`
}

type Recall struct {
	ID          string     `json:"id"`
	SerialID    string     `json:"serialId"`
	Reason      string     `json:"reason"`
	InitiatorID string     `json:"initiatorId"`
	TxHash      string     `json:"txHash"`
	Active      bool       `json:"active"`
	InitiatedAt time.Time  `json:"initiatedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

type VerificationLog struct {
	ID             string             `json:"id"`
	SerialID       string             `json:"serialId"`
	VerifierRole   Role               `json:"verifierRole,omitempty"`
	VerifierUserID string             `json:"verifierUserId,omitempty"`
	Result         VerificationResult `json:"result"`
	IPAddress      string             `json:"ipAddress,omitempty"`
	VerifiedAt     time.Time          `json:"verifiedAt"`
}

type SuspiciousReport struct {
	ID             string    `json:"id"`
	SerialID       string    `json:"serialId"`
	ReporterRole   Role      `json:"reporterRole,omitempty"`
	ReporterUserID string    `json:"reporterUserId,omitempty"`
	Reason         string    `json:"reason"`
	Description    string    `json:"description,omitempty"`
	Location       string    `json:"location,omitempty"`
	ReportedAt     time.Time `json:"reportedAt"`
}

// AuditEvent is one append-only entry of the simulated ledger.
type AuditEvent struct {
	ID          string          `json:"id"`
	TxHash      string          `json:"txHash"`
	EventType   EventType       `json:"eventType"`
	SerialID    string          `json:"serialId"`
	FromAddress string          `json:"fromAddress"`
	ToAddress   string          `json:"toAddress"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}
