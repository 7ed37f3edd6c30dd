package vrfkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psq/stacks-blockchain/internal/burnchain"
)

func TestRegistrationStateMachine(t *testing.T) {
	r := NewRegistration()
	assert.Equal(t, Inactive, r.State())

	require.NoError(t, r.MarkPending())
	assert.Equal(t, Pending, r.State())

	require.Error(t, r.MarkPending(), "cannot re-mark pending from pending")

	key := RegisteredKey{BlockHeight: 100, OpVtxindex: 3}
	require.NoError(t, r.Activate(key))
	assert.Equal(t, Active, r.State())

	got, ok := r.Key()
	require.True(t, ok)
	assert.Equal(t, key, *got)

	err := r.Activate(RegisteredKey{BlockHeight: 200})
	assert.Error(t, err, "must never downgrade-and-replace an active registration")
	assert.Equal(t, Active, r.State())

	got, ok = r.Key()
	require.True(t, ok)
	assert.Equal(t, uint64(100), got.BlockHeight, "original active key must be unchanged")
}

func TestProvisionalPromotionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	var pub, sec [32]byte
	pub[0] = 0xAA
	sec[0] = 0xBB
	txid := burnchain.Txid{0x01, 0x02}

	require.NoError(t, store.WriteProvisional(500, pub, sec, txid))

	active, err := store.ReadActive()
	require.NoError(t, err)
	assert.Nil(t, active, "no active key until the provisional file is promoted")

	promoted, err := store.PromoteProvisional(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), promoted.OpVtxindex)
	assert.Equal(t, uint64(500), promoted.BlockHeight)
	assert.Equal(t, pub, promoted.VRFPublicKey)

	reread, err := store.ReadActive()
	require.NoError(t, err)
	require.NotNil(t, reread)
	assert.Equal(t, uint32(7), reread.OpVtxindex)
}

func TestReadActiveWithNoFileReturnsNilNotError(t *testing.T) {
	store := NewStore(t.TempDir())
	active, err := store.ReadActive()
	require.NoError(t, err)
	assert.Nil(t, active)
}
