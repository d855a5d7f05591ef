package ratelimit

import "testing"

func TestNewCostRegistry_DefaultConfig(t *testing.T) {
	r := NewCostRegistry(nil)

	tests := map[string]int{
		MethodEthBlockNumber: CostEthBlockNumber,
		MethodEthCall:        CostEthCall,
		MethodEthGetLogs:     CostEthGetLogs,
		"eth_chainId":        DefaultCost,
	}
	for method, want := range tests {
		if got := r.GetCost(method); got != want {
			t.Errorf("GetCost(%q) = %d, want %d", method, got, want)
		}
	}
}

func TestNewCostRegistry_WithOverrides(t *testing.T) {
	r := NewCostRegistry(&CostRegistryConfig{
		DefaultCost: 5,
		Overrides: map[string]int{
			MethodEthGetLogs: 200,
			MethodEthCall:    0,
		},
	})

	if got := r.GetCost(MethodEthGetLogs); got != 200 {
		t.Errorf("eth_getLogs cost = %d, want 200", got)
	}
	if got := r.GetCost(MethodEthCall); got != CostEthCall {
		t.Errorf("zero override should be ignored, got %d", got)
	}
	if got := r.GetCost("unknown"); got != 5 {
		t.Errorf("default cost = %d, want 5", got)
	}
	if got := r.MaxCost(); got != 200 {
		t.Errorf("MaxCost() = %d, want 200", got)
	}
}

func TestCostRegistry_SetCost(t *testing.T) {
	r := NewCostRegistry(nil)

	r.SetCost(MethodEthBlockNumber, 3)
	r.SetCost(MethodEthCall, -1)

	if got := r.GetCost(MethodEthBlockNumber); got != 3 {
		t.Errorf("eth_blockNumber cost = %d, want 3", got)
	}
	if got := r.GetCost(MethodEthCall); got != CostEthCall {
		t.Errorf("negative SetCost should be ignored, got %d", got)
	}
}
