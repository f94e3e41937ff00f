// Package models - signature.go defines the electronic Signature bound to a record version.
package models

import "time"

// SignatureMeaning is the role the signer asserts by signing
type SignatureMeaning string

const (
	MeaningAuthor   SignatureMeaning = "author"
	MeaningReviewer SignatureMeaning = "reviewer"
	MeaningApprover SignatureMeaning = "approver"
	MeaningWitness  SignatureMeaning = "witness"
)

// Signature binds a signer and meaning to the hash of a record version
type Signature struct {
	ID            string           `db:"id" json:"id"`
	RecordID      string           `db:"record_id" json:"record_id"`
	RecordVersion int              `db:"record_version" json:"record_version"`
	InstanceID    *string          `db:"instance_id" json:"instance_id,omitempty"`
	StepSeq       *int             `db:"step_seq" json:"step_seq,omitempty"`
	SignerID      string           `db:"signer_id" json:"signer_id"`
	Meaning       SignatureMeaning `db:"meaning" json:"meaning"`
	ContentHash   string           `db:"content_hash" json:"content_hash"`
	SignedAt      time.Time        `db:"signed_at" json:"signed_at"`
	// Seal is an optional armored OpenPGP detached signature over the manifest.
	Seal *string `db:"seal" json:"seal,omitempty"`
}
