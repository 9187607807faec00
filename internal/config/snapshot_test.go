package config

import (
	"sync"
	"testing"
)

func TestHolderLoadStoreAtomicity(t *testing.T) {
	h := NewHolder(&Snapshot{Pools: map[string]Pool{"A": {ID: "A", PeerHosts: []string{"p1"}}}})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Writer goroutine continuously publishes new snapshots.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.Store(&Snapshot{Pools: map[string]Pool{"A": {ID: "A", PeerHosts: []string{"p1", "p2"}}}})
		}
	}()

	// Readers must always see a fully-formed snapshot, never a nil or
	// partially-built one.
	wg.Add(4)
	for r := 0; r < 4; r++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s := h.Load()
				if s == nil {
					t.Error("Load returned nil after initial Store")
					return
				}
				if _, ok := s.Pools["A"]; !ok {
					t.Error("Load returned a snapshot missing pool A")
					return
				}
			}
		}()
	}

	close(stop)
	wg.Wait()
}

func TestValidateRejectsUnknownPool(t *testing.T) {
	s := &Snapshot{
		Routes: map[string][]RouteRule{
			"vr1": {{Priority: 10, Kind: MatchDefault, PoolID: "missing"}},
		},
		Pools: map[string]Pool{},
	}
	if err := Validate(s); err == nil {
		t.Fatalf("expected validation error for unknown pool reference")
	}
}

func TestValidateCompilesRegex(t *testing.T) {
	s := &Snapshot{
		Pools: map[string]Pool{"A": {ID: "A", PeerHosts: []string{"p1"}}},
		ManipulationRules: map[string][]ManipulationRule{
			"vr1": {{
				RuleID:    "r1",
				Direction: Egress,
				Condition: Condition{Matches: []Match{{Target: TargetAVP, AVPCode: 264, Op: OpRegex, Value: "^dsc"}}},
			}},
		},
	}
	if err := Validate(s); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if s.ManipulationRules["vr1"][0].Condition.Matches[0].Regex() == nil {
		t.Fatalf("expected regex to be compiled in place")
	}
}

func TestValidateRejectsBadRegex(t *testing.T) {
	s := &Snapshot{
		Pools: map[string]Pool{"A": {ID: "A", PeerHosts: []string{"p1"}}},
		ManipulationRules: map[string][]ManipulationRule{
			"vr1": {{
				RuleID:    "r1",
				Direction: Ingress,
				Condition: Condition{Matches: []Match{{Target: TargetAVP, AVPCode: 264, Op: OpRegex, Value: "("}}},
			}},
		},
	}
	if err := Validate(s); err == nil {
		t.Fatalf("expected validation error for invalid regex")
	}
}
