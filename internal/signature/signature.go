// Package signature binds electronic signatures to record versions.
//
// A signature stores the SHA-256 of a canonical manifest naming the record version,
// the hash of its content, the signer, the asserted meaning and the signing time.
// Verification rebuilds the manifest from current data, so any change to the
// signed content is detected. When a signing key is configured each manifest also
// carries an OpenPGP detached seal.
package signature

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/permissions"
	"github.com/qms-lifecycle/qms-lifecycle/internal/store"
	"github.com/qms-lifecycle/qms-lifecycle/internal/telemetry"
	"github.com/qms-lifecycle/qms-lifecycle/pkg/checksum"
)

// ErrReauthenticationFailed is returned when the signer's password does not match
var ErrReauthenticationFailed = errors.New("signature re-authentication failed")

// Status is the outcome of verifying a stored signature
type Status string

const (
	StatusValid          Status = "VALID"
	StatusContentChanged Status = "CONTENT_CHANGED"
	StatusSignerRevoked  Status = "SIGNER_REVOKED"
)

// Verification reports what Verify found
type Verification struct {
	SignatureID  string `json:"signature_id"`
	Status       Status `json:"status"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash,omitempty"`
	SealChecked  bool   `json:"seal_checked"`
}

// Request describes a signature to create
type Request struct {
	Version    *models.RecordVersion
	SignerID   string
	Meaning    models.SignatureMeaning
	InstanceID string
	StepSeq    int
}

// Service signs and verifies record versions
type Service struct {
	reader        store.Reader
	sealer        *Sealer
	requireReauth bool
	clock         clockwork.Clock
}

// NewService creates a signature service. sealer may be nil.
func NewService(reader store.Reader, sealer *Sealer, requireReauth bool, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{reader: reader, sealer: sealer, requireReauth: requireReauth, clock: clock}
}

// Authenticate checks the signer's password when re-authentication is required
func (s *Service) Authenticate(ctx context.Context, userID, password string) error {
	if !s.requireReauth {
		return nil
	}
	user, err := s.reader.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load signer: %w", err)
	}
	if user == nil || !user.IsActive || user.PasswordHash == "" {
		return ErrReauthenticationFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return ErrReauthenticationFailed
	}
	return nil
}

// Manifest renders the canonical byte string a signature covers
func Manifest(v *models.RecordVersion, signerID string, meaning models.SignatureMeaning, signedAt time.Time) []byte {
	var b strings.Builder
	writeField(&b, "record_id", v.RecordID)
	writeField(&b, "record_version", strconv.Itoa(v.Version))
	writeField(&b, "content_ref", v.ContentRef)
	writeField(&b, "content_sha256", checksum.SumBytes(v.Content))
	writeField(&b, "signer_id", signerID)
	writeField(&b, "meaning", string(meaning))
	writeField(&b, "signed_at", signedAt.UTC().Format(time.RFC3339Nano))
	return []byte(b.String())
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(strconv.Quote(value))
	b.WriteByte('\n')
}

// Sign creates a signature inside tx
func (s *Service) Sign(ctx context.Context, tx store.Tx, req Request) (*models.Signature, error) {
	if req.Version == nil {
		return nil, errors.New("record version is required")
	}
	// Stored timestamps keep microsecond precision, so the manifest must too.
	signedAt := s.clock.Now().UTC().Truncate(time.Microsecond)
	manifest := Manifest(req.Version, req.SignerID, req.Meaning, signedAt)

	sig := &models.Signature{
		RecordID:      req.Version.RecordID,
		RecordVersion: req.Version.Version,
		SignerID:      req.SignerID,
		Meaning:       req.Meaning,
		ContentHash:   checksum.SumBytes(manifest),
		SignedAt:      signedAt,
	}
	if req.InstanceID != "" {
		id := req.InstanceID
		sig.InstanceID = &id
	}
	if req.StepSeq > 0 {
		seq := req.StepSeq
		sig.StepSeq = &seq
	}
	if s.sealer != nil {
		seal, err := s.sealer.Seal(manifest)
		if err != nil {
			return nil, err
		}
		sig.Seal = &seal
	}

	if err := tx.CreateSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("failed to store signature: %w", err)
	}
	return sig, nil
}

// Verify recomputes a signature against current data
func (s *Service) Verify(ctx context.Context, sig *models.Signature) (*Verification, error) {
	res, err := s.verify(ctx, sig)
	if err != nil {
		return nil, err
	}
	telemetry.SignatureVerificationsTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (s *Service) verify(ctx context.Context, sig *models.Signature) (*Verification, error) {
	res := &Verification{SignatureID: sig.ID, ExpectedHash: sig.ContentHash}

	version, err := s.reader.GetRecordVersion(ctx, sig.RecordID, sig.RecordVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load record version: %w", err)
	}
	if version == nil {
		res.Status = StatusContentChanged
		return res, nil
	}

	manifest := Manifest(version, sig.SignerID, sig.Meaning, sig.SignedAt)
	res.ActualHash = checksum.SumBytes(manifest)
	if !checksum.Equal(res.ActualHash, sig.ContentHash) {
		res.Status = StatusContentChanged
		return res, nil
	}
	if sig.Seal != nil && s.sealer != nil {
		res.SealChecked = true
		if err := s.sealer.Check(manifest, *sig.Seal); err != nil {
			res.Status = StatusContentChanged
			return res, nil
		}
	}

	signer, err := s.reader.GetUser(ctx, sig.SignerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signer: %w", err)
	}
	if signer == nil || !signer.IsActive {
		res.Status = StatusSignerRevoked
		return res, nil
	}

	res.Status = StatusValid
	return res, nil
}

// MeaningFor returns the meaning a positive outcome on a step with the given
// capability asserts, and false when such a step is not signed
func MeaningFor(capability permissions.Capability) (models.SignatureMeaning, bool) {
	switch capability {
	case permissions.CapReview:
		return models.MeaningReviewer, true
	case permissions.CapApprove:
		return models.MeaningApprover, true
	case permissions.CapVerify:
		return models.MeaningWitness, true
	}
	return "", false
}
