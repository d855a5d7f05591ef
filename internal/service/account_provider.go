package service

import (
	"sync"

	"github.com/perp-pool-portfolio/internal/types"
)

// Account is the connected wallet and the chain it is on. Address is empty
// when no wallet is connected.
type Account struct {
	Address string        `json:"address"`
	ChainID types.ChainID `json:"chainId"`
}

// Connected reports whether a wallet address is present
func (a Account) Connected() bool {
	return a.Address != ""
}

// AccountProvider exposes the current account and notifies on changes.
// Subscribe returns a channel of changes and a function that cancels the
// subscription and closes the channel.
type AccountProvider interface {
	Current() Account
	Subscribe() (<-chan Account, func())
}

// StaticAccountProvider is an AccountProvider whose account is set by the
// embedding program
type StaticAccountProvider struct {
	mu      sync.Mutex
	current Account
	subs    map[int]chan Account
	nextID  int
}

var _ AccountProvider = (*StaticAccountProvider)(nil)

// NewStaticAccountProvider creates a provider holding initial
func NewStaticAccountProvider(initial Account) *StaticAccountProvider {
	return &StaticAccountProvider{current: initial, subs: make(map[int]chan Account)}
}

// Current implements AccountProvider
func (p *StaticAccountProvider) Current() Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe implements AccountProvider
func (p *StaticAccountProvider) Subscribe() (<-chan Account, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan Account, 8)
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			close(ch)
		})
	}
}

// Set changes the account and notifies subscribers. A subscriber whose
// buffer is full misses the notification but can read Current.
func (p *StaticAccountProvider) Set(a Account) {
	a.Address = types.NormalizeAddress(a.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if a == p.current {
		return
	}
	p.current = a
	for _, ch := range p.subs {
		select {
		case ch <- a:
		default:
		}
	}
}
