package adapter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perp-pool-portfolio/internal/circuitbreaker"
	"github.com/perp-pool-portfolio/internal/types"
)

type mockEthClient struct {
	blockNumberFn  func() (uint64, error)
	filterLogsFn   func(q ethereum.FilterQuery) ([]ethtypes.Log, error)
	callContractFn func(msg ethereum.CallMsg) ([]byte, error)
	calls          int
}

func (m *mockEthClient) BlockNumber(context.Context) (uint64, error) {
	m.calls++
	if m.blockNumberFn != nil {
		return m.blockNumberFn()
	}
	return 0, nil
}

func (m *mockEthClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	m.calls++
	if m.filterLogsFn != nil {
		return m.filterLogsFn(q)
	}
	return nil, nil
}

func (m *mockEthClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m.calls++
	if m.callContractFn != nil {
		return m.callContractFn(msg)
	}
	return nil, nil
}

func newTestClient(t *testing.T, breaker *circuitbreaker.CircuitBreaker, clients ...*mockEthClient) *EVMClient {
	t.Helper()
	endpoints := make([]Endpoint, 0, len(clients))
	for i, c := range clients {
		endpoints = append(endpoints, Endpoint{URL: "https://rpc" + string(rune('a'+i)) + ".example/key", Client: c})
	}
	provider, err := NewRPCProvider(endpoints...)
	require.NoError(t, err)
	return NewEVMClient(types.ChainBase, provider, breaker, nil)
}

func TestIsRangeTooLarge(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrRangeTooLarge, true},
		{errors.New("query returned more than 10000 results"), true},
		{errors.New("eth_getLogs is limited to a 10,000 block range"), true},
		{errors.New("Log response size exceeded. You can make eth_getLogs requests with up to a 2K block range"), true},
		{errors.New("exceed maximum block range: 5000"), true},
		{errors.New("-32005: query limit exceeded"), true},
		{errors.New("429 Too Many Requests: rate limit exceeded"), false},
		{errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRangeTooLarge(tt.err), "%v", tt.err)
	}
}

func TestShouldFailover(t *testing.T) {
	assert.True(t, shouldFailover(errors.New("dial tcp: connection refused")))
	assert.True(t, shouldFailover(errors.New("429 Too Many Requests")))
	assert.True(t, shouldFailover(errors.New("context deadline exceeded")))
	assert.True(t, shouldFailover(errors.New("unexpected EOF")))
	assert.False(t, shouldFailover(errors.New("execution reverted")))
	assert.False(t, shouldFailover(nil))
}

func TestSplitRange(t *testing.T) {
	assert.Equal(t, []BlockRange{{0, 4999}, {5000, 9999}, {10000, 10000}}, splitRange(BlockRange{0, 10000}, 5000))
	assert.Equal(t, []BlockRange{{7, 7}}, splitRange(BlockRange{7, 7}, 1000))
	assert.Nil(t, splitRange(BlockRange{10, 5}, 1000))
	assert.Nil(t, splitRange(BlockRange{0, 5}, 0))
}

func TestEVMClient_FailsOverOnConnectionErrors(t *testing.T) {
	primary := &mockEthClient{blockNumberFn: func() (uint64, error) { return 0, errors.New("dial tcp: connection refused") }}
	secondary := &mockEthClient{blockNumberFn: func() (uint64, error) { return 123, nil }}
	client := newTestClient(t, nil, primary, secondary)

	head, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123), head)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)

	health := client.Health()
	require.Len(t, health, 2)
	assert.False(t, health[0].Current)
	assert.True(t, health[1].Current)
	assert.Equal(t, int64(1), health[0].FailedReqs)
	assert.Equal(t, "https://rpcb.example", health[1].URL)
}

func TestEVMClient_DoesNotFailOverOnRangeErrors(t *testing.T) {
	primary := &mockEthClient{filterLogsFn: func(ethereum.FilterQuery) ([]ethtypes.Log, error) {
		return nil, errors.New("query returned more than 10000 results")
	}}
	secondary := &mockEthClient{}
	cfg := BreakerConfig("8453")
	cfg.MaxFailures = 1
	breaker := circuitbreaker.NewCircuitBreaker(&cfg)
	client := newTestClient(t, breaker, primary, secondary)

	for i := 0; i < 10; i++ {
		_, err := client.FilterLogs(context.Background(), ethereum.FilterQuery{FromBlock: big.NewInt(1), ToBlock: big.NewInt(2)})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRangeTooLarge)

		var adapterErr *AdapterError
		require.ErrorAs(t, err, &adapterErr)
		assert.Equal(t, "FilterLogs", adapterErr.Op)
	}
	assert.Equal(t, 0, secondary.calls)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
	assert.True(t, client.Available())
}

func TestEVMClient_OpenBreakerReportsChainUnavailable(t *testing.T) {
	failing := &mockEthClient{callContractFn: func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("internal error")
	}}
	cfg := BreakerConfig("8453")
	cfg.MaxFailures = 2
	client := newTestClient(t, circuitbreaker.NewCircuitBreaker(&cfg), failing)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.CallContract(ctx, ethereum.CallMsg{}, nil)
		require.Error(t, err)
	}
	assert.False(t, client.Available())

	_, err := client.CallContract(ctx, ethereum.CallMsg{}, nil)
	assert.ErrorIs(t, err, ErrChainUnavailable)
	assert.Equal(t, 2, failing.calls)
}

func TestRPCProvider(t *testing.T) {
	_, err := NewRPCProvider()
	assert.ErrorIs(t, err, ErrNoEndpoints)

	single, err := NewRPCProvider(Endpoint{URL: "http://localhost:8545", Client: &mockEthClient{}})
	require.NoError(t, err)
	assert.Error(t, single.Failover())

	for i := 0; i < 5; i++ {
		single.RecordFailure()
	}
	assert.False(t, single.IsHealthy())
	single.Reset()
	assert.True(t, single.IsHealthy())
}
