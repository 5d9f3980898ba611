package server

import (
	"fmt"
	"strings"
	"time"

	"pharmatrace/pkg/domain"
	"pharmatrace/services/custody/internal/app"
)

type walletNonceRequest struct {
	WalletAddress string `json:"walletAddress"`
}

type walletRegisterRequest struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
	Message       string `json:"message"`
	Role          string `json:"role"`
	CompanyName   string `json:"companyName"`
	LicenseNumber string `json:"licenseNumber"`
}

type walletLoginRequest struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
	Message       string `json:"message"`
}

type signupRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	Role          string `json:"role"`
	CompanyName   string `json:"companyName"`
	LicenseNumber string `json:"licenseNumber"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token    string          `json:"token"`
	Identity domain.Identity `json:"user"`
}

type registerBatchRequest struct {
	DrugName              string `json:"drugName"`
	BatchNumber           string `json:"batchNumber"`
	Quantity              int    `json:"quantity"`
	ProductionDate        string `json:"productionDate"`
	ExpiryDate            string `json:"expiryDate"`
	ManufacturingLocation string `json:"manufacturingLocation"`
}

func (r registerBatchRequest) input() (app.BatchInput, error) {
	produced, err := parseDate("productionDate", r.ProductionDate)
	if err != nil {
		return app.BatchInput{}, err
	}
	expires, err := parseDate("expiryDate", r.ExpiryDate)
	if err != nil {
		return app.BatchInput{}, err
	}
	return app.BatchInput{
		DrugName:              r.DrugName,
		BatchNumber:           r.BatchNumber,
		Quantity:              r.Quantity,
		ProductionDate:        produced,
		ExpiryDate:            expires,
		ManufacturingLocation: r.ManufacturingLocation,
	}, nil
}

// parseDate accepts RFC 3339 timestamps and plain calendar dates.
func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", field)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%s must be a date (YYYY-MM-DD) or an RFC 3339 timestamp", field)
}

type transferRequest struct {
	Recipient string `json:"recipient"`
	Quantity  int    `json:"quantity"`
	Location  string `json:"location"`
	Notes     string `json:"notes"`
}

type recallRequest struct {
	Reason string `json:"reason"`
}

type verifyRequest struct {
	SerialID string `json:"serialId"`
}

type reportRequest struct {
	SerialID    string `json:"serialId"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
	Location    string `json:"location"`
}
