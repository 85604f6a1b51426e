// Package odoo describes the supported Odoo releases: which container
// image runs each version, where custom addons are mounted, and how the
// instance reports readiness.
package odoo

import "fmt"

// Release describes one supported Odoo version.
type Release struct {
	Version     int
	Image       string // container image reference
	ServicePort int    // HTTP port served inside the container
	AddonsMount string // path custom addons are mounted at
	AddonsPath  string // --addons-path passed to the server process
	HealthPath  string // readiness probe path
}

// DefaultVersion is used when a request does not name a version.
const DefaultVersion = 17

// Registry maps Odoo versions to their Release descriptions.
type Registry struct {
	releases map[int]Release
}

// NewRegistry creates a registry with all supported releases.
func NewRegistry() *Registry {
	r := &Registry{releases: make(map[int]Release)}
	for _, v := range []int{16, 17, 18} {
		r.Register(Release{
			Version:     v,
			Image:       fmt.Sprintf("odoo:%d.0", v),
			ServicePort: 8069,
			AddonsMount: "/mnt/extra-addons",
			AddonsPath:  "/mnt/extra-addons,/usr/lib/python3/dist-packages/odoo/addons",
			HealthPath:  "/web/health",
		})
	}
	return r
}

// Register adds a release to the registry.
func (r *Registry) Register(rel Release) {
	r.releases[rel.Version] = rel
}

// Get returns the release for the given version. Version 0 selects the
// default.
func (r *Registry) Get(version int) (Release, error) {
	if version == 0 {
		version = DefaultVersion
	}
	rel, ok := r.releases[version]
	if !ok {
		return Release{}, fmt.Errorf("unsupported odoo version: %d (supported: %v)", version, r.Versions())
	}
	return rel, nil
}

// Versions returns all registered version numbers.
func (r *Registry) Versions() []int {
	versions := make([]int, 0, len(r.releases))
	for v := range r.releases {
		versions = append(versions, v)
	}
	return versions
}

// InstallCommand builds the in-container command that initializes the
// named module into a fresh database and exits. The server stops after
// init so the subsequent health probe re-detects a clean running state.
func (rel Release) InstallCommand(dbName, moduleName string) []string {
	return []string{
		"odoo",
		"-d", dbName,
		"-i", moduleName,
		"--stop-after-init",
		"--addons-path=" + rel.AddonsPath,
	}
}

// ServeCommand builds the long-running server command with the custom
// addons directory on the addons path.
func (rel Release) ServeCommand() []string {
	return []string{"odoo", "--addons-path=" + rel.AddonsPath}
}
