package permission

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	otelpkg "github.com/kitz-os/opscore/internal/otel"
)

// spyRegistry records every call so tests can prove denied invocations are
// side-effect free.
type spyRegistry struct {
	tools   map[string]any
	invoked []string
	hasCal  []string
	err     error
}

func (r *spyRegistry) Has(name string) bool {
	r.hasCal = append(r.hasCal, name)
	_, ok := r.tools[name]
	return ok
}

func (r *spyRegistry) Invoke(_ context.Context, name string, _ map[string]any) (any, error) {
	r.invoked = append(r.invoked, name)
	if r.err != nil {
		return nil, r.err
	}
	return r.tools[name], nil
}

func TestBridgeInvoke(t *testing.T) {
	t.Run("denied call never reaches the registry", func(t *testing.T) {
		reg := &spyRegistry{tools: map[string]any{"storefronts_delete": "gone"}}
		b := NewBridge(reg, nil, nil)

		res := b.Invoke(context.Background(), "CopyWriter", TierTeam, "content-brand", "storefronts_delete", nil)
		if res.Success {
			t.Fatal("destructive call succeeded for content team member")
		}
		if !strings.Contains(res.Error, "not permitted") {
			t.Fatalf("error = %q", res.Error)
		}
		if len(reg.invoked) != 0 || len(reg.hasCal) != 0 {
			t.Fatalf("registry touched on deny: invoked=%v has=%v", reg.invoked, reg.hasCal)
		}
	})

	t.Run("allowed call executes", func(t *testing.T) {
		reg := &spyRegistry{tools: map[string]any{"crm_listContacts": []string{"ana", "luis"}}}
		b := NewBridge(reg, nil, nil)

		res := b.Invoke(context.Background(), "LeadScorer", TierTeam, "sales-crm", "crm_listContacts", nil)
		if !res.Success {
			t.Fatalf("result = %+v", res)
		}
		if len(reg.invoked) != 1 || reg.invoked[0] != "crm_listContacts" {
			t.Fatalf("invoked = %v", reg.invoked)
		}
	})

	t.Run("allowed but unregistered is not found", func(t *testing.T) {
		reg := &spyRegistry{tools: map[string]any{}}
		b := NewBridge(reg, nil, nil)

		res := b.Invoke(context.Background(), "LeadScorer", TierTeam, "sales-crm", "crm_listContacts", nil)
		if res.Success || !strings.Contains(res.Error, "not found") {
			t.Fatalf("result = %+v", res)
		}
		if len(reg.invoked) != 0 {
			t.Fatalf("handler ran for missing tool: %v", reg.invoked)
		}
	})

	t.Run("handler error surfaces in result", func(t *testing.T) {
		reg := &spyRegistry{
			tools: map[string]any{"dashboard_metrics": nil},
			err:   errors.New("backend unavailable"),
		}
		b := NewBridge(reg, nil, nil)

		res := b.Invoke(context.Background(), "RiskMonitor", TierTeam, "governance-pmo", "dashboard_metrics", nil)
		if res.Success || res.Error != "backend unavailable" {
			t.Fatalf("result = %+v", res)
		}
	})
}

func TestListAllowed(t *testing.T) {
	reg := &spyRegistry{tools: map[string]any{
		"crm_listContacts":   nil,
		"crm_createContact":  nil,
		"storefronts_delete": nil,
	}}
	b := NewBridge(reg, nil, nil)

	got := b.ListAllowed("LeadScorer", TierTeam, "sales-crm")
	want := []string{"crm_createContact", "crm_listContacts"}
	if len(got) != len(want) {
		t.Fatalf("ListAllowed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListAllowed = %v, want %v (sorted)", got, want)
		}
	}
}

func TestBridgeMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := otelpkg.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	reg := &spyRegistry{tools: map[string]any{"crm_listContacts": nil}}
	b := NewBridge(reg, nil, m)

	b.Invoke(context.Background(), "CopyWriter", TierTeam, "content-brand", "storefronts_delete", nil)
	b.Invoke(context.Background(), "LeadScorer", TierTeam, "sales-crm", "crm_listContacts", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	if got := counterSum(rm, "opscore.tool.denials"); got != 1 {
		t.Fatalf("tool.denials = %d, want 1", got)
	}
	if n := histogramCount(rm, "opscore.tool.duration"); n != 1 {
		t.Fatalf("tool.duration samples = %d, want 1", n)
	}
}

func counterSum(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func histogramCount(rm metricdata.ResourceMetrics, name string) uint64 {
	var total uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if h, ok := met.Data.(metricdata.Histogram[float64]); ok {
				for _, dp := range h.DataPoints {
					total += dp.Count
				}
			}
		}
	}
	return total
}
