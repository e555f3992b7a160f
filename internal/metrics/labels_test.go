package radsecmetrics_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	radsecmetrics "github.com/dantte-lp/radsecproxy/internal/metrics"
)

func TestLoadLabelOverridesMissingFileIsNotAnError(t *testing.T) {
	t.Parallel()

	labels, err := radsecmetrics.LoadLabelOverrides(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected no error for a missing overrides file, got: %v", err)
	}

	if labels != nil {
		t.Fatalf("expected nil labels for a missing file, got %v", labels)
	}
}

func TestLoadLabelOverridesParsesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metrics_labels.yaml")
	if err := os.WriteFile(path, []byte("site: fra1\ndatacenter: rack-12\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	labels, err := radsecmetrics.LoadLabelOverrides(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if labels["site"] != "fra1" || labels["datacenter"] != "rack-12" {
		t.Fatalf("unexpected labels: %+v", labels)
	}
}

func TestNewCollectorWithLabelsAttachesConstLabels(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := radsecmetrics.NewCollectorWithLabels(reg, map[string]string{"site": "fra1"})

	c.IncRequestsReceived("nas1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool

	for _, fam := range families {
		if fam.GetName() != "radsecproxy_proxy_requests_received_total" {
			continue
		}

		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "site" && l.GetValue() == "fra1" {
					found = true
				}
			}
		}
	}

	if !found {
		t.Fatal("expected the site=fra1 const label on requests_received_total")
	}
}
