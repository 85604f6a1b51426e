package odoo

import (
	"strings"
	"testing"
)

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()

	rel, err := r.Get(17)
	if err != nil {
		t.Fatalf("Get(17) error = %v", err)
	}
	if rel.Image != "odoo:17.0" {
		t.Errorf("Image = %q, want odoo:17.0", rel.Image)
	}
	if rel.ServicePort != 8069 {
		t.Errorf("ServicePort = %d, want 8069", rel.ServicePort)
	}
}

func TestRegistryGetDefault(t *testing.T) {
	r := NewRegistry()

	rel, err := r.Get(0)
	if err != nil {
		t.Fatalf("Get(0) error = %v", err)
	}
	if rel.Version != DefaultVersion {
		t.Errorf("Version = %d, want %d", rel.Version, DefaultVersion)
	}
}

func TestRegistryGetUnsupported(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Get(11); err == nil {
		t.Error("Get(11) should return an error")
	}
}

func TestInstallCommand(t *testing.T) {
	r := NewRegistry()
	rel, _ := r.Get(17)

	cmd := rel.InstallCommand("testdb_abc", "inventory_tracker")
	joined := strings.Join(cmd, " ")

	for _, want := range []string{"-d testdb_abc", "-i inventory_tracker", "--stop-after-init", "--addons-path="} {
		if !strings.Contains(joined, want) {
			t.Errorf("InstallCommand missing %q in %q", want, joined)
		}
	}
}
