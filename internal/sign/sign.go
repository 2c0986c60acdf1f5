// Package sign implements usign-compatible Ed25519 detached signatures
// (spec §6). This is the one place the spec names a primitive instead
// of a library contract, so it is built directly on crypto/ed25519
// rather than pulled in from the ecosystem (see DESIGN.md).
package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// KeyID is the usign 8-byte key identifier prefixed to every signature
// and public key blob, letting a verifier pick the right key out of a
// keyring without trying them all.
type KeyID [8]byte

// PrivateKey pairs an Ed25519 private key with the usign key id derived
// from its public half.
type PrivateKey struct {
	ID  KeyID
	Key ed25519.PrivateKey
}

// PublicKey pairs an Ed25519 public key with its usign key id.
type PublicKey struct {
	ID  KeyID
	Key ed25519.PublicKey
}

func keyID(pub ed25519.PublicKey) KeyID {
	var id KeyID
	copy(id[:], pub[:8])
	return id
}

// GenerateKey creates a new worker signing keypair.
func GenerateKey() (PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKey{ID: keyID(pub), Key: priv}, nil
}

// LoadOrGenerateKey reads a raw Ed25519 seed from path, or generates and
// persists a fresh one if the file does not exist yet, so a worker's
// signing identity survives process restarts.
func LoadOrGenerateKey(path string) (PrivateKey, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return PrivateKey{}, fmt.Errorf("sign: bad key seed length %d in %s", len(seed), path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return PrivateKey{ID: keyID(priv.Public().(ed25519.PublicKey)), Key: priv}, nil
	}
	if !os.IsNotExist(err) {
		return PrivateKey{}, err
	}

	sk, err := GenerateKey()
	if err != nil {
		return PrivateKey{}, err
	}
	if err := os.WriteFile(path, sk.Key.Seed(), 0o600); err != nil {
		return PrivateKey{}, fmt.Errorf("sign: persist key seed: %w", err)
	}
	return sk, nil
}

// Public returns the public half of sk.
func (sk PrivateKey) Public() PublicKey {
	pub := sk.Key.Public().(ed25519.PublicKey)
	return PublicKey{ID: keyID(pub), Key: pub}
}

// Marshal encodes pk the way workers register it with the State Store:
// raw key id followed by the raw public key bytes.
func (pk PublicKey) Marshal() []byte {
	out := make([]byte, 0, len(pk.ID)+len(pk.Key))
	out = append(out, pk.ID[:]...)
	out = append(out, pk.Key...)
	return out
}

// ParsePublicKey reverses Marshal.
func ParsePublicKey(raw []byte) (PublicKey, error) {
	if len(raw) != 8+ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("sign: bad public key length %d", len(raw))
	}
	var pk PublicKey
	copy(pk.ID[:], raw[:8])
	pk.Key = append(ed25519.PublicKey(nil), raw[8:]...)
	return pk, nil
}

// Sign implements internal/build's Signer interface, so a worker's
// PrivateKey can be passed directly to build.New without an adapter.
func (sk PrivateKey) Sign(msg []byte) []byte {
	return Sign(sk, msg)
}

// Sign produces a usign-style detached signature comment block for msg.
func Sign(sk PrivateKey, msg []byte) []byte {
	sig := ed25519.Sign(sk.Key, msg)
	blob := make([]byte, 0, len(sk.ID)+len(sig))
	blob = append(blob, sk.ID[:]...)
	blob = append(blob, sig...)
	return encodeSignature(blob)
}

// Verify checks a detached signature produced by Sign against pk.
func Verify(pk PublicKey, msg, signature []byte) (bool, error) {
	blob, err := decodeSignature(signature)
	if err != nil {
		return false, err
	}
	if len(blob) != 8+ed25519.SignatureSize {
		return false, fmt.Errorf("sign: bad signature length %d", len(blob))
	}
	var id KeyID
	copy(id[:], blob[:8])
	if id != pk.ID {
		return false, nil
	}
	return ed25519.Verify(pk.Key, msg, blob[8:]), nil
}

const usignComment = "untrusted comment: signature"

// encodeSignature renders blob as a usign signature file: a comment
// line followed by base64, matching the format workers upload alongside
// the archive (spec §6, §4.7 step 11).
func encodeSignature(blob []byte) []byte {
	var b strings.Builder
	b.WriteString(usignComment)
	b.WriteByte('\n')
	b.WriteString(base64.StdEncoding.EncodeToString(blob))
	b.WriteByte('\n')
	return []byte(b.String())
}

func decodeSignature(raw []byte) ([]byte, error) {
	lines := strings.SplitN(strings.TrimSpace(string(raw)), "\n", 2)
	body := lines[0]
	if len(lines) == 2 && strings.HasPrefix(lines[0], "untrusted comment") {
		body = strings.TrimSpace(lines[1])
	}
	return base64.StdEncoding.DecodeString(body)
}
