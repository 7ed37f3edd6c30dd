// Package vrfkey manages the lifecycle of the miner's VRF leader-election
// keypair: its on-disk sidecar representation and the Inactive -> Pending
// -> Active state machine that governs when a tenure may be run.
package vrfkey

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/psq/stacks-blockchain/internal/burnchain"
)

const (
	provisionalFile = "vrf_key_prov.json"
	activeFile      = "vrf_key.json"
)

// RegisteredKey is a VRF keypair together with the burnchain operation that
// registered it: the block height it becomes eligible at, the vtxindex the
// registering transaction was confirmed at, and the txid of that operation.
type RegisteredKey struct {
	BlockHeight  uint64         `json:"block_height"`
	OpVtxindex   uint32         `json:"op_vtxindex"`
	VRFPublicKey [32]byte       `json:"vrf_public_key"`
	VRFSecretKey [32]byte       `json:"vrf_secret_key"`
	Txid         burnchain.Txid `json:"txid"`
}

// State is the miner's view of its own key-registration progress. It only
// ever moves forward: Inactive -> Pending -> Active. A node must never
// downgrade an Active state back to Pending or Inactive, since doing so
// would make it attempt a second registration while a prior one is still
// walking towards confirmation.
type State int

const (
	Inactive State = iota
	Pending
	Active
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Pending:
		return "pending"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Registration holds the current registration state plus, when Active, the
// registered key that backs it.
type Registration struct {
	state State
	key   *RegisteredKey
}

// NewRegistration starts a fresh, Inactive registration.
func NewRegistration() *Registration {
	return &Registration{state: Inactive}
}

// State returns the current registration state.
func (r *Registration) State() State { return r.state }

// Key returns the active registered key, if any.
func (r *Registration) Key() (*RegisteredKey, bool) {
	if r.state != Active {
		return nil, false
	}
	return r.key, true
}

// MarkPending transitions Inactive -> Pending. It is a no-op error to call
// this from any other state: the miner must never re-enter Pending from
// Active, since that would mean abandoning a still-valid registration.
func (r *Registration) MarkPending() error {
	if r.state != Inactive {
		return fmt.Errorf("vrfkey: cannot mark pending from state %s", r.state)
	}
	r.state = Pending
	return nil
}

// Activate moves an Inactive or Pending registration to Active with the
// given key; Inactive -> Active is the boot-time path for a key loaded
// from the active sidecar file. Calling it
// again with a different key while already Active is rejected: once a key
// is active it must be replaced only through an explicit new rotation that
// starts again from Inactive.
func (r *Registration) Activate(key RegisteredKey) error {
	if r.state == Active {
		return fmt.Errorf("vrfkey: registration already active, refusing downgrade-and-replace")
	}
	r.state = Active
	r.key = &key
	return nil
}

// Reset forces the registration back to Inactive, for use only when the
// miner is deliberately abandoning a key (for example after VRF proof
// generation against it has started failing and a fresh key must be
// rotated in).
func (r *Registration) Reset() {
	r.state = Inactive
	r.key = nil
}

// Store persists provisional and active sidecar files under dataDir.
type Store struct {
	dataDir string
}

// NewStore returns a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// provisionalKey is the on-disk shape written immediately after a
// LeaderKeyRegisterOp is broadcast, before its confirming vtxindex is known.
type provisionalKey struct {
	BlockHeight  uint64         `json:"block_height"`
	OpVtxindex   uint32         `json:"op_vtxindex"`
	VRFPublicKey [32]byte       `json:"vrf_public_key"`
	VRFSecretKey [32]byte       `json:"vrf_secret_key"`
	Txid         burnchain.Txid `json:"txid"`
}

// WriteProvisional writes the provisional sidecar file immediately after
// the registering operation is broadcast. blockHeight is the burnchain
// block the operation is expected to confirm in plus one: op_vtxindex is
// always written as 0, a placeholder to be filled in once the operator (or
// an automated confirmation watcher) observes the op's actual position.
func (s *Store) WriteProvisional(blockHeight uint64, vrfPub, vrfSec [32]byte, txid burnchain.Txid) error {
	pk := provisionalKey{
		BlockHeight:  blockHeight,
		OpVtxindex:   0,
		VRFPublicKey: vrfPub,
		VRFSecretKey: vrfSec,
		Txid:         txid,
	}
	return s.writeJSON(provisionalFile, pk)
}

// PromoteProvisional reads back the provisional sidecar, fills in the
// confirmed vtxindex, and atomically renames it into the active sidecar
// file. This is the human-in-the-loop (or watcher-driven) activation step:
// until it runs, ReadActive will report no active key even though a
// provisional registration is in flight.
func (s *Store) PromoteProvisional(opVtxindex uint32) (*RegisteredKey, error) {
	var pk provisionalKey
	if err := s.readJSON(provisionalFile, &pk); err != nil {
		return nil, err
	}
	pk.OpVtxindex = opVtxindex

	active := RegisteredKey{
		BlockHeight:  pk.BlockHeight,
		OpVtxindex:   pk.OpVtxindex,
		VRFPublicKey: pk.VRFPublicKey,
		VRFSecretKey: pk.VRFSecretKey,
		Txid:         pk.Txid,
	}
	if err := s.writeJSON(activeFile, active); err != nil {
		return nil, err
	}
	_ = os.Remove(filepath.Join(s.dataDir, provisionalFile))
	return &active, nil
}

// ReadActive loads the active sidecar file, if one exists.
func (s *Store) ReadActive() (*RegisteredKey, error) {
	var rk RegisteredKey
	if err := s.readJSON(activeFile, &rk); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rk, nil
}

func (s *Store) writeJSON(name string, v interface{}) error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dataDir, name+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dataDir, name))
}

func (s *Store) readJSON(name string, v interface{}) error {
	b, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
