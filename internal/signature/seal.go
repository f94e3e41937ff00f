package signature

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// Sealer produces and checks OpenPGP detached signatures over signature manifests
type Sealer struct {
	entity  *openpgp.Entity
	keyring openpgp.EntityList
}

// NewSealer wraps an entity whose private key is already decrypted
func NewSealer(entity *openpgp.Entity) (*Sealer, error) {
	if entity == nil || entity.PrivateKey == nil {
		return nil, errors.New("signing entity has no private key")
	}
	return &Sealer{entity: entity, keyring: openpgp.EntityList{entity}}, nil
}

// LoadSealer reads an ASCII-armored private key, decrypting it with passphrase if needed
func LoadSealer(path, passphrase string) (*Sealer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	for _, entity := range keyring {
		if entity.PrivateKey == nil {
			continue
		}
		if entity.PrivateKey.Encrypted {
			if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return nil, fmt.Errorf("failed to decrypt signing key: %w", err)
			}
		}
		for _, sub := range entity.Subkeys {
			if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
				if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
					return nil, fmt.Errorf("failed to decrypt signing subkey: %w", err)
				}
			}
		}
		return NewSealer(entity)
	}
	return nil, errors.New("signing key file contains no private key")
}

// Seal returns an armored detached signature over manifest
func (s *Sealer) Seal(manifest []byte) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.SignatureType, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start armor: %w", err)
	}
	if err := openpgp.DetachSign(w, s.entity, bytes.NewReader(manifest), nil); err != nil {
		return "", fmt.Errorf("failed to sign manifest: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish armor: %w", err)
	}
	return buf.String(), nil
}

// Check verifies an armored detached signature over manifest
func (s *Sealer) Check(manifest []byte, armored string) error {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return fmt.Errorf("failed to decode seal: %w", err)
	}
	if _, err := openpgp.CheckDetachedSignature(s.keyring, bytes.NewReader(manifest), block.Body, nil); err != nil {
		return fmt.Errorf("seal verification failed: %w", err)
	}
	return nil
}
