// Package access implements OTP-verified access grants to patient records.
package access

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/karute/internal/models"
	"github.com/hyperjump/karute/internal/storage"
)

// ErrDenied is returned when a requestor has no right to read a patient's records.
var ErrDenied = errors.New("access denied")

// ErrCodeMismatch is returned when the submitted OTP code does not match the
// pending request.
var ErrCodeMismatch = errors.New("verification code does not match")

// DefaultGrantTTL is how long a verified grant stays valid.
const DefaultGrantTTL = time.Hour

const otpDigits = 6

// Manager issues and verifies access requests. The patient's owner always has
// access; anyone else needs a verified, unexpired grant.
type Manager struct {
	store    storage.Storage
	grantTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithGrantTTL overrides the grant lifetime.
func WithGrantTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.grantTTL = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an access manager backed by store.
func NewManager(store storage.Storage, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		grantTTL: DefaultGrantTTL,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request creates a pending access request and returns it, including the OTP
// code the requestor must verify. The patient must exist.
func (m *Manager) Request(ctx context.Context, requestor, patientID string) (*models.AccessRequest, error) {
	if requestor == "" {
		return nil, fmt.Errorf("requestor is required")
	}
	if _, err := m.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}

	code, err := generateOTP()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}
	req := &models.AccessRequest{
		ID:        uuid.New().String(),
		Requestor: requestor,
		PatientID: patientID,
		Code:      code,
	}
	if err := m.store.CreateAccessRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("store access request: %w", err)
	}
	m.logger.Info("access requested",
		zap.String("requestor", requestor),
		zap.String("patient_id", patientID))
	return req, nil
}

// Verify checks the submitted code against the latest pending request and, on
// match, activates a grant valid for the configured TTL.
func (m *Manager) Verify(ctx context.Context, requestor, patientID, code string) (*models.AccessRequest, error) {
	req, err := m.store.GetPendingAccessRequest(ctx, requestor, patientID)
	if err != nil {
		return nil, err
	}
	if req.Code != code {
		return nil, ErrCodeMismatch
	}

	validUntil := m.now().Add(m.grantTTL)
	if err := m.store.MarkAccessVerified(ctx, req.ID, validUntil); err != nil {
		return nil, err
	}
	req.Verified = true
	req.ValidUntil = &validUntil

	m.logger.Info("access granted",
		zap.String("requestor", requestor),
		zap.String("patient_id", patientID),
		zap.Time("valid_until", validUntil))
	return req, nil
}

// IsAccessGranted reports whether requestor may read the patient's records.
// The owner always may; others need a verified, unexpired grant. A missing
// patient is reported as storage.ErrPatientNotFound.
func (m *Manager) IsAccessGranted(ctx context.Context, requestor, patientID string) (bool, error) {
	patient, err := m.store.GetPatient(ctx, patientID)
	if err != nil {
		return false, err
	}
	if patient.Owner == requestor {
		return true, nil
	}
	return m.store.HasValidGrant(ctx, requestor, patientID, m.now())
}

// Authorize is IsAccessGranted expressed as an error: nil when allowed,
// ErrDenied when not.
func (m *Manager) Authorize(ctx context.Context, requestor, patientID string) error {
	ok, err := m.IsAccessGranted(ctx, requestor, patientID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrDenied, requestor, patientID)
	}
	return nil
}

// generateOTP returns a random numeric code of otpDigits digits.
func generateOTP() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n), nil
}
