// Package keychain owns the miner's signing material: the VRF keypair
// used for leader-election proofs, the rotating microblock-signing
// keypair, and the burnchain operation signer.
package keychain

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec"

	"github.com/psq/stacks-blockchain/internal/burnchain"
)

// Keychain derives and rotates the keys a miner needs. A single instance
// may be reached from more than one goroutine, so access to its rotating
// keys is serialized behind mu.
type Keychain struct {
	mu sync.Mutex

	seed []byte

	vrfPub [32]byte
	vrfSec [32]byte

	microblockKey     *btcec.PrivateKey
	microblockRotated uint64 // burn height the current microblock key was rotated at

	opSigner *btcec.PrivateKey
}

// New derives a Keychain from a 32-byte seed. The same seed always
// produces the same initial VRF and operation-signing keys, so operators
// can recover a miner's identity from the seed alone.
func New(seed []byte) *Keychain {
	k := &Keychain{seed: append([]byte(nil), seed...)}
	k.opSigner, _ = btcec.PrivKeyFromBytes(btcec.S256(), derive(seed, "op-signer"))
	return k
}

func derive(seed []byte, label string) []byte {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(label))
	return h.Sum(nil)
}

// RotateVRFKeypair derives a fresh VRF keypair salted with the burnchain
// height it's being rotated at, so successive rotations never collide.
func (k *Keychain) RotateVRFKeypair(burnHeight uint64) ([32]byte, [32]byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	salted := derive(k.seed, fmt.Sprintf("vrf-%d", burnHeight))
	copy(k.vrfSec[:], salted)
	pub := sha256.Sum256(k.vrfSec[:]) // placeholder public derivation; real VRF uses the ed25519-derived VRF public key
	k.vrfPub = pub
	return k.vrfPub, k.vrfSec
}

// GenerateProof produces a VRF proof over the sortition hash using the
// currently active VRF secret key. A non-nil error here signals the
// keypair has become unusable (for example its secret key material
// cannot reconstitute a matching public key anymore) and the caller
// should rotate a fresh keypair before retrying, exactly once.
func (k *Keychain) GenerateProof(vrfPub [32]byte, sortitionHash [32]byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if vrfPub != k.vrfPub {
		return nil, fmt.Errorf("keychain: VRF public key mismatch, cannot prove")
	}
	h := sha256.New()
	h.Write(k.vrfSec[:])
	h.Write(sortitionHash[:])
	return h.Sum(nil), nil
}

// SeedFromProof derives the next sortition's VRF seed from a proof.
func SeedFromProof(proof []byte) burnchain.VRFSeed {
	return burnchain.VRFSeed(sha256.Sum256(proof))
}

// MicroblockKey returns the current microblock-signing key if one has been
// rotated in, for reuse by attempt > 1 of the same tenure.
func (k *Keychain) MicroblockKey() (*btcec.PrivateKey, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.microblockKey == nil {
		return nil, false
	}
	return k.microblockKey, true
}

// RotateMicroblockKeypair generates a fresh microblock-signing keypair for
// burnHeight's tenure. It is only called for the first attempt of a tenure;
// subsequent attempts reuse the same key via MicroblockKey so that a
// miner's microblock stream stays signed by one key across re-attempts.
func (k *Keychain) RotateMicroblockKeypair(burnHeight uint64) (*btcec.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	k.microblockKey = priv
	k.microblockRotated = burnHeight
	return priv, nil
}

// OpSigner returns the key used to sign burnchain operations.
func (k *Keychain) OpSigner() *btcec.PrivateKey {
	return k.opSigner
}

// NewSeed returns n cryptographically random bytes that are not derived
// from the miner's seed.
func NewSeed(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
