package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pharmatrace/internal/util"
	"pharmatrace/pkg/domain"
)

const (
	msgAuthentic     = "This product is verified authentic"
	msgExpired       = "WARNING: This product has expired"
	msgRecalled      = "WARNING: This product has been recalled. Reason: %s"
	msgNotRegistered = "This product is not registered in the system"
	msgNotFound      = "This product is not found in our system"
)

// VerifierContext describes who is verifying. Identity is nil for anonymous
// public lookups.
type VerifierContext struct {
	Identity  *domain.Identity
	IPAddress string
}

// Verification is the verdict for one serial lookup.
type Verification struct {
	Result     domain.VerificationResult `json:"result"`
	Message    string                    `json:"message"`
	Batch      *domain.Batch             `json:"batch,omitempty"`
	Transfers  []domain.Transfer         `json:"transfers,omitempty"`
	Recall     *domain.Recall            `json:"recall,omitempty"`
	VerifiedAt time.Time                 `json:"verifiedAt"`
}

// SuspiciousReportInput is a report about a product that looks wrong.
type SuspiciousReportInput struct {
	SerialID    string
	Reason      string
	Description string
	Location    string
}

// Verify computes the verdict for serialID. The verdict depends only on
// whether the batch exists, whether it has an active recall and whether it
// has expired; transfer history is returned for display only. Every call
// appends exactly one verification log row.
func (a *App) Verify(ctx context.Context, serialID string, vc VerifierContext) (Verification, error) {
	serialID = strings.TrimSpace(serialID)
	if serialID == "" {
		return Verification{}, validation("serialId required")
	}
	now := a.now().UTC()
	out := Verification{VerifiedAt: now}

	batch, ok, err := a.store.GetBatch(ctx, serialID)
	if err != nil {
		return Verification{}, unavailable("load batch", err)
	}
	if !ok {
		// Pharmacies get an actionable counterfeit flag; everyone else a neutral answer.
		if vc.Identity != nil && vc.Identity.Role == domain.RolePharmacy {
			out.Result, out.Message = domain.ResultCounterfeit, msgNotRegistered
		} else {
			out.Result, out.Message = domain.ResultUnknown, msgNotFound
		}
	} else {
		recall, transfers, err := a.loadHistory(ctx, serialID)
		if err != nil {
			return Verification{}, err
		}
		out.Batch = &batch
		out.Transfers = transfers
		out.Recall = recall
		switch {
		case recall != nil:
			out.Result, out.Message = domain.ResultWarning, fmt.Sprintf(msgRecalled, recall.Reason)
		case now.After(batch.ExpiryDate):
			out.Result, out.Message = domain.ResultWarning, msgExpired
		default:
			out.Result, out.Message = domain.ResultAuthentic, msgAuthentic
		}
	}

	entry := domain.VerificationLog{
		ID:         util.NewID(),
		SerialID:   serialID,
		Result:     out.Result,
		IPAddress:  vc.IPAddress,
		VerifiedAt: now,
	}
	if vc.Identity != nil {
		entry.VerifierRole = vc.Identity.Role
		entry.VerifierUserID = vc.Identity.ID
	}
	if err := a.store.AppendVerificationLog(ctx, entry); err != nil {
		return Verification{}, unavailable("record verification", err)
	}
	util.LoggerFromContext(ctx).Info("product_verified",
		"serial_id", serialID,
		"result", out.Result,
		"authenticated", vc.Identity != nil,
	)
	return out, nil
}

// VerificationHistory returns verification attempts for a batch, newest
// first. Only the manufacturer and the current owner may read it.
func (a *App) VerificationHistory(ctx context.Context, serialID, actorID string) ([]domain.VerificationLog, error) {
	serialID = strings.TrimSpace(serialID)
	batch, ok, err := a.store.GetBatch(ctx, serialID)
	if err != nil {
		return nil, unavailable("load batch", err)
	}
	if !ok {
		return nil, ErrBatchNotFound
	}
	if actorID != batch.ManufacturerID && actorID != batch.CurrentOwnerID {
		return nil, ErrForbidden
	}
	logs, err := a.store.ListVerificationLogs(ctx, serialID)
	if err != nil {
		return nil, unavailable("list verifications", err)
	}
	return logs, nil
}

// ReportSuspicious records a report about a suspicious product. The serial
// does not need to exist: unknown serials are the most interesting reports.
func (a *App) ReportSuspicious(ctx context.Context, in SuspiciousReportInput, vc VerifierContext) (domain.SuspiciousReport, error) {
	serialID := strings.TrimSpace(in.SerialID)
	reason := strings.TrimSpace(in.Reason)
	if serialID == "" || reason == "" {
		return domain.SuspiciousReport{}, validation("serialId and reason required")
	}
	report := domain.SuspiciousReport{
		ID:          util.NewID(),
		SerialID:    serialID,
		Reason:      reason,
		Description: strings.TrimSpace(in.Description),
		Location:    strings.TrimSpace(in.Location),
		ReportedAt:  a.now().UTC(),
	}
	if vc.Identity != nil {
		report.ReporterRole = vc.Identity.Role
		report.ReporterUserID = vc.Identity.ID
	}
	if err := a.store.CreateSuspiciousReport(ctx, report); err != nil {
		return domain.SuspiciousReport{}, unavailable("record report", err)
	}
	util.LoggerFromContext(ctx).Warn("suspicious_product_reported",
		"serial_id", serialID,
		"reason", reason,
	)
	return report, nil
}
