package routerconfig

import "testing"

func TestVerifyFillsDefaults(t *testing.T) {
	c := Config{GatewayIP: "10.0.0.1"}
	if err := c.Verify(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Metric != 1 {
		t.Fatalf("expected default metric 1, got %d", c.Metric)
	}
	if c.OptimizerSettings.MinHostsToAggregate != 2 {
		t.Fatalf("expected default min hosts 2, got %d", c.OptimizerSettings.MinHostsToAggregate)
	}
	if len(c.OptimizerSettings.WasteThresholds) != 7 {
		t.Fatalf("expected default waste thresholds filled in, got %d entries", len(c.OptimizerSettings.WasteThresholds))
	}
}

func TestVerifyRejectsMissingGateway(t *testing.T) {
	c := Config{}
	if err := c.Verify(); err != ErrMissingGateway {
		t.Fatalf("expected ErrMissingGateway, got %v", err)
	}
}

func TestVerifyRejectsInvalidGateway(t *testing.T) {
	c := Config{GatewayIP: "not-an-ip"}
	if err := c.Verify(); err != ErrInvalidGateway {
		t.Fatalf("expected ErrInvalidGateway, got %v", err)
	}
}

func TestVerifyRejectsBadWasteRatio(t *testing.T) {
	c := Config{GatewayIP: "10.0.0.1", OptimizerSettings: OptimizerSettings{
		WasteThresholds: map[int]float64{28: 1.5},
	}}
	if err := c.Verify(); err != ErrInvalidWaste {
		t.Fatalf("expected ErrInvalidWaste, got %v", err)
	}
}
