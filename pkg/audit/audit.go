// Package audit seals and appends the hash-addressed events that stand in for
// ledger transactions. Events are never updated or deleted.
package audit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"pharmatrace/pkg/domain"
	"pharmatrace/pkg/store"
)

// ErrDuplicateEvent is returned when a sealed event's tx hash already exists.
var ErrDuplicateEvent = errors.New("audit: duplicate event")

const saltSize = 16

// Record describes a state change before it is sealed. Contract and Function
// name the simulated registry call the event stands for.
type Record struct {
	EventType   domain.EventType
	Contract    string
	Function    string
	SerialID    string
	FromAddress string
	ToAddress   string
	Payload     any
}

// Writer is the storage side of Append; store.Store satisfies it, including
// the transaction-bound store handed to Atomic callbacks.
type Writer interface {
	InsertAuditEvent(ctx context.Context, event domain.AuditEvent) error
}

// Reader is the storage side of the audit queries.
type Reader interface {
	ListAuditEventsBySerial(ctx context.Context, serialID string) ([]domain.AuditEvent, error)
	GetAuditEventByTxHash(ctx context.Context, txHash string) (domain.AuditEvent, bool, error)
}

// Log seals records into events.
type Log struct {
	now    func() time.Time
	random io.Reader
}

// NewLog creates a Log using clock for event timestamps.
func NewLog(clock func() time.Time) *Log {
	if clock == nil {
		clock = time.Now
	}
	return &Log{now: clock, random: rand.Reader}
}

type hashInput struct {
	Contract    string           `json:"contract,omitempty"`
	Function    string           `json:"function,omitempty"`
	EventType   domain.EventType `json:"eventType"`
	SerialID    string           `json:"serialId"`
	FromAddress string           `json:"fromAddress"`
	ToAddress   string           `json:"toAddress"`
	Payload     json.RawMessage  `json:"payload"`
	Timestamp   int64            `json:"timestamp"`
	RandomSalt  string           `json:"randomSalt"`
}

// Seal timestamps rec and derives its tx hash: SHA-256 over the canonical
// JSON of the record fields, the timestamp and a 16 byte random salt.
func (l *Log) Seal(rec Record) (domain.AuditEvent, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("encode audit payload: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(l.random, salt); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("audit salt: %w", err)
	}
	ts := l.now().UTC()
	raw, err := json.Marshal(hashInput{
		Contract:    rec.Contract,
		Function:    rec.Function,
		EventType:   rec.EventType,
		SerialID:    rec.SerialID,
		FromAddress: rec.FromAddress,
		ToAddress:   rec.ToAddress,
		Payload:     payload,
		Timestamp:   ts.UnixMilli(),
		RandomSalt:  hex.EncodeToString(salt),
	})
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("encode audit hash input: %w", err)
	}
	sum := sha256.Sum256(raw)
	return domain.AuditEvent{
		ID:          uuid.NewString(),
		TxHash:      hex.EncodeToString(sum[:]),
		EventType:   rec.EventType,
		SerialID:    rec.SerialID,
		FromAddress: rec.FromAddress,
		ToAddress:   rec.ToAddress,
		Payload:     payload,
		Timestamp:   ts,
	}, nil
}

// Append is the only write path for events. A tx hash collision is rejected
// with ErrDuplicateEvent and never overwrites the stored event.
func (l *Log) Append(ctx context.Context, w Writer, event domain.AuditEvent) error {
	if event.TxHash == "" {
		return errors.New("audit: event is not sealed")
	}
	if err := w.InsertAuditEvent(ctx, event); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

// Record seals rec and appends it in one step.
func (l *Log) Record(ctx context.Context, w Writer, rec Record) (domain.AuditEvent, error) {
	event, err := l.Seal(rec)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	if err := l.Append(ctx, w, event); err != nil {
		return domain.AuditEvent{}, err
	}
	return event, nil
}

// BySerialID returns the audit trail of a batch, oldest first.
func BySerialID(ctx context.Context, r Reader, serialID string) ([]domain.AuditEvent, error) {
	return r.ListAuditEventsBySerial(ctx, serialID)
}

// ByTxHash returns one event by hash.
func ByTxHash(ctx context.Context, r Reader, txHash string) (domain.AuditEvent, bool, error) {
	return r.GetAuditEventByTxHash(ctx, txHash)
}
