package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perp-pool-portfolio/internal/types"
)

func TestStaticAccountProvider(t *testing.T) {
	p := NewStaticAccountProvider(Account{})
	assert.False(t, p.Current().Connected())

	changes, cancel := p.Subscribe()

	p.Set(Account{Address: "0xA11CE00000000000000000000000000000000001", ChainID: types.ChainBase})
	got := <-changes
	assert.Equal(t, "0xa11ce00000000000000000000000000000000001", got.Address)
	assert.True(t, p.Current().Connected())

	// unchanged account is not re-announced
	p.Set(Account{Address: "0xa11ce00000000000000000000000000000000001", ChainID: types.ChainBase})
	p.Set(Account{Address: "0xa11ce00000000000000000000000000000000001", ChainID: types.ChainBaseSepolia})
	got = <-changes
	assert.Equal(t, types.ChainBaseSepolia, got.ChainID)
	assert.Empty(t, changes)

	cancel()
	cancel()
	_, open := <-changes
	require.False(t, open)

	// no subscribers left; must not block
	p.Set(Account{})
	assert.False(t, p.Current().Connected())
}
