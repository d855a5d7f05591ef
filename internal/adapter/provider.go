package adapter

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/perp-pool-portfolio/internal/ratelimit"
)

// Endpoint is one RPC URL and the client dialled for it
type Endpoint struct {
	URL    string
	Client ratelimit.EthClient
}

// EndpointHealth represents the health status of one RPC endpoint
type EndpointHealth struct {
	URL              string        `json:"url"`
	Current          bool          `json:"current"`
	TotalRequests    int64         `json:"totalRequests"`
	SuccessfulReqs   int64         `json:"successfulRequests"`
	FailedReqs       int64         `json:"failedRequests"`
	SuccessRate      float64       `json:"successRate"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	IsHealthy        bool          `json:"isHealthy"`
}

type endpointState struct {
	Endpoint

	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int
}

// RPCProvider rotates between a primary and fallback endpoints and tracks their health
type RPCProvider struct {
	mu sync.RWMutex

	endpoints []*endpointState
	current   int

	// Health thresholds
	maxConsecutiveFails int     // Max consecutive failures before marking unhealthy
	minSuccessRate      float64 // Minimum success rate to be considered healthy
}

// NewRPCProvider creates a provider; the first endpoint is the primary
func NewRPCProvider(endpoints ...Endpoint) (*RPCProvider, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	states := make([]*endpointState, 0, len(endpoints))
	for i, ep := range endpoints {
		if ep.Client == nil {
			return nil, fmt.Errorf("endpoint %d has no client", i)
		}
		states = append(states, &endpointState{Endpoint: ep})
	}

	return &RPCProvider{
		endpoints:           states,
		maxConsecutiveFails: 5,
		minSuccessRate:      0.5, // 50% success rate threshold
	}, nil
}

// Len returns the number of configured endpoints
func (p *RPCProvider) Len() int {
	return len(p.endpoints)
}

// Current returns the active endpoint
func (p *RPCProvider) Current() Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[p.current].Endpoint
}

// Failover switches to the next endpoint in order
func (p *RPCProvider) Failover() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) < 2 {
		return fmt.Errorf("no secondary provider configured")
	}
	p.current = (p.current + 1) % len(p.endpoints)
	return nil
}

// RecordSuccess records a successful request against the active endpoint
func (p *RPCProvider) RecordSuccess(duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.endpoints[p.current]
	ep.totalRequests++
	ep.successfulReqs++
	ep.totalLatency += duration
	ep.lastSuccess = time.Now()
	ep.consecutiveFails = 0
}

// RecordFailure records a failed request against the active endpoint
func (p *RPCProvider) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.endpoints[p.current]
	ep.totalRequests++
	ep.failedReqs++
	ep.lastFailure = time.Now()
	ep.consecutiveFails++
}

// Health returns the health of every endpoint. URLs are reduced to scheme and
// host so API keys embedded in paths are not exposed.
func (p *RPCProvider) Health() []EndpointHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]EndpointHealth, 0, len(p.endpoints))
	for i, ep := range p.endpoints {
		var successRate float64
		if ep.totalRequests > 0 {
			successRate = float64(ep.successfulReqs) / float64(ep.totalRequests)
		}
		var avgLatency time.Duration
		if ep.successfulReqs > 0 {
			avgLatency = ep.totalLatency / time.Duration(ep.successfulReqs)
		}
		out = append(out, EndpointHealth{
			URL:              redactURL(ep.URL),
			Current:          i == p.current,
			TotalRequests:    ep.totalRequests,
			SuccessfulReqs:   ep.successfulReqs,
			FailedReqs:       ep.failedReqs,
			SuccessRate:      successRate,
			AverageLatency:   avgLatency,
			LastSuccess:      ep.lastSuccess,
			LastFailure:      ep.lastFailure,
			ConsecutiveFails: ep.consecutiveFails,
			IsHealthy:        p.isHealthyLocked(ep),
		})
	}
	return out
}

// IsHealthy returns true if the active endpoint is considered healthy
func (p *RPCProvider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isHealthyLocked(p.endpoints[p.current])
}

// isHealthyLocked checks health status (must be called with lock held)
func (p *RPCProvider) isHealthyLocked(ep *endpointState) bool {
	if ep.consecutiveFails >= p.maxConsecutiveFails {
		return false
	}

	// Check success rate (only if we have enough data)
	if ep.totalRequests >= 10 {
		successRate := float64(ep.successfulReqs) / float64(ep.totalRequests)
		if successRate < p.minSuccessRate {
			return false
		}
	}
	return true
}

// Reset switches back to the primary endpoint
func (p *RPCProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = 0
	p.endpoints[0].consecutiveFails = 0
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "redacted"
	}
	return u.Scheme + "://" + u.Host
}
