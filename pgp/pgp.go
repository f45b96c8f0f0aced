// Package pgp verifies the OpenPGP signatures of release manifests against
// a keystore of trusted archive signing keys.
package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

var (
	// ErrNoSignature means verification was requested but no signature was
	// present to verify.
	ErrNoSignature = errors.New("signature verification requested but no signature found")

	// ErrKeyMissing means the keystore is empty, or a signature advertised
	// an issuer that no loaded key matches.
	ErrKeyMissing = errors.New("signature found but its signing key is not in the keystore")

	// ErrNotVerified means keys were available but none validated any
	// signature on the message.
	ErrNotVerified = errors.New("release signature could not be verified")
)

// KeyStore holds trusted public keys, indexed by the fingerprints and key
// IDs of both primary keys and subkeys so signatures that advertise an
// issuer can be matched cheaply.
type KeyStore struct {
	entities      openpgp.EntityList
	byFingerprint map[string]*openpgp.Entity
	byKeyID       map[uint64]*openpgp.Entity
}

func newKeyStore() *KeyStore {
	return &KeyStore{
		byFingerprint: make(map[string]*openpgp.Entity),
		byKeyID:       make(map[uint64]*openpgp.Entity),
	}
}

// Empty reports whether the store holds no keys at all.
func (ks *KeyStore) Empty() bool {
	return ks == nil || len(ks.entities) == 0
}

// LoadKeyStore builds a keystore by walking dir recursively and loading
// every file with extension asc, gpg or pgp, or with no extension. Expired
// keys and key files that cannot be read or parsed are skipped with a
// warning; only a failure to walk dir fails the load.
func LoadKeyStore(dir string) (*KeyStore, error) {
	ks := newKeyStore()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		switch strings.TrimPrefix(filepath.Ext(path), ".") {
		case "asc", "gpg", "pgp", "":
		default:
			return nil
		}

		entities, err := readKeyRingFile(path)
		if err != nil {
			slog.Warn("skipping invalid key file", "path", path, "error", err)
			return nil
		}

		ks.add(entities, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("building keystore from %s: %w", dir, err)
	}

	return ks, nil
}

// LoadKeyFile loads a single public key file, e.g. a per-mirror
// pgp_pub_key override.
func LoadKeyFile(path string) (*KeyStore, error) {
	entities, err := readKeyRingFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key %s: %w", path, err)
	}

	ks := newKeyStore()
	ks.add(entities, path)

	if ks.Empty() {
		return nil, fmt.Errorf("no usable key in %s", path)
	}

	return ks, nil
}

func readKeyRingFile(path string) (openpgp.EntityList, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(raw))
	if err != nil {
		// binary keyrings (.gpg exports) are not armored
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, err
	}

	return entities, nil
}

func (ks *KeyStore) add(entities openpgp.EntityList, path string) {
	now := time.Now()

	for _, entity := range entities {
		if keyExpired(entity, now) {
			slog.Warn("skipping expired key", "path", path, "key_id", fmt.Sprintf("%016x", entity.PrimaryKey.KeyId))
			continue
		}

		ks.entities = append(ks.entities, entity)

		ks.index(entity.PrimaryKey, entity)
		for _, sub := range entity.Subkeys {
			ks.index(sub.PublicKey, entity)
		}
	}
}

func (ks *KeyStore) index(key *packet.PublicKey, entity *openpgp.Entity) {
	ks.byFingerprint[fmt.Sprintf("%x", key.Fingerprint)] = entity
	ks.byKeyID[key.KeyId] = entity
}

func keyExpired(entity *openpgp.Entity, now time.Time) bool {
	for _, ident := range entity.Identities {
		sig := ident.SelfSignature
		if sig == nil || sig.KeyLifetimeSecs == nil || *sig.KeyLifetimeSecs == 0 {
			continue
		}
		expiry := entity.PrimaryKey.CreationTime.Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second)
		if now.After(expiry) {
			return true
		}
	}
	return false
}

// VerifyInlineFile verifies a clearsigned message file (InRelease). The
// signature is checked against the normalized signed text the armor frame
// covers, not the raw file bytes.
func (ks *KeyStore) VerifyInlineFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	block, _ := clearsign.Decode(raw)
	if block == nil || block.ArmoredSignature == nil {
		return fmt.Errorf("%s: %w", path, ErrNoSignature)
	}

	sig, err := io.ReadAll(block.ArmoredSignature.Body)
	if err != nil {
		return fmt.Errorf("%s: reading signature: %w", path, err)
	}

	return ks.verify(block.Bytes, sig)
}

// VerifyDetachedFile verifies message bytes in msgPath against the armored
// or binary detached signature in sigPath (Release + Release.gpg).
func (ks *KeyStore) VerifyDetachedFile(sigPath, msgPath string) error {
	content, err := os.ReadFile(msgPath)
	if err != nil {
		return err
	}

	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return err
	}

	if bytes.Contains(sig, []byte("-----BEGIN PGP SIGNATURE-----")) {
		block, err := armor.Decode(bytes.NewReader(sig))
		if err != nil {
			return fmt.Errorf("%s: decoding armored signature: %w", sigPath, err)
		}
		sig, err = io.ReadAll(block.Body)
		if err != nil {
			return fmt.Errorf("%s: reading signature: %w", sigPath, err)
		}
	}

	return ks.verify(content, sig)
}

// verify checks content against the raw signature packets. Keys advertised
// by an issuer fingerprint are tried first, then issuer key IDs; a
// signature naming no issuer is tried against the whole store. Any single
// signature validating against any single key is a success.
func (ks *KeyStore) verify(content, sig []byte) error {
	if ks.Empty() {
		return ErrKeyMissing
	}

	candidates, narrowed := ks.candidates(sig)
	if narrowed && len(candidates) == 0 {
		return ErrKeyMissing
	}
	if len(candidates) == 0 {
		candidates = ks.entities
	}

	_, err := openpgp.CheckDetachedSignature(
		candidates,
		bytes.NewReader(content),
		bytes.NewReader(sig),
		nil,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotVerified, err)
	}

	return nil
}

// candidates collects keys matching the issuer information advertised by
// the signature packets. narrowed reports whether any issuer was advertised
// at all: an advertised issuer with no matching key is a missing key, not a
// bad signature.
func (ks *KeyStore) candidates(sig []byte) (openpgp.EntityList, bool) {
	var list openpgp.EntityList
	seen := make(map[*openpgp.Entity]bool)
	narrowed := false

	reader := packet.NewReader(bytes.NewReader(sig))
	for {
		p, err := reader.Next()
		if err != nil {
			break
		}

		s, ok := p.(*packet.Signature)
		if !ok {
			continue
		}

		if len(s.IssuerFingerprint) > 0 {
			narrowed = true
			if entity, ok := ks.byFingerprint[fmt.Sprintf("%x", s.IssuerFingerprint)]; ok && !seen[entity] {
				seen[entity] = true
				list = append(list, entity)
			}
		}

		if s.IssuerKeyId != nil && *s.IssuerKeyId != 0 {
			narrowed = true
			if entity, ok := ks.byKeyID[*s.IssuerKeyId]; ok && !seen[entity] {
				seen[entity] = true
				list = append(list, entity)
			}
		}
	}

	return list, narrowed
}
