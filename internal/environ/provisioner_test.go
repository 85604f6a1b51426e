package environ

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"omb-test-runner/internal/config"
)

// fakeEngine is a scriptable Engine for provisioner tests.
type fakeEngine struct {
	mu         sync.Mutex
	running    map[string]bool
	removed    []string
	execResult func(container string, cmd []string) (int, string, error)
	runErr     map[string]error // container name -> error on RunContainer
	mappedPort string
	listNames  []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		running: make(map[string]bool),
		runErr:  make(map[string]error),
		execResult: func(string, []string) (int, string, error) {
			return 0, "", nil
		},
	}
}

func (f *fakeEngine) Ping(context.Context) error                 { return nil }
func (f *fakeEngine) EnsureNetwork(context.Context, string) error { return nil }

func (f *fakeEngine) RemoveContainer(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeEngine) RunContainer(_ context.Context, spec RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.runErr[spec.Name]; err != nil {
		return "", err
	}
	if f.running[spec.Name] {
		return "", fmt.Errorf("container name %q already in use", spec.Name)
	}
	f.running[spec.Name] = true
	return "cid-" + spec.Name, nil
}

func (f *fakeEngine) Exec(_ context.Context, container string, cmd []string) (int, string, error) {
	return f.execResult(container, cmd)
}

func (f *fakeEngine) MappedPort(context.Context, string, int) (string, error) {
	return f.mappedPort, nil
}

func (f *fakeEngine) Logs(context.Context, string) (string, error) { return "log output", nil }

func (f *fakeEngine) ListContainers(context.Context, string) ([]string, error) {
	return f.listNames, nil
}

func (f *fakeEngine) liveContainers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, up := range f.running {
		if up {
			names = append(names, name)
		}
	}
	return names
}

// bundleServer serves a minimal zip archive over HTTP.
func bundleServer(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, _ := w.Create("my_module/__manifest__.py")
	fw.Write([]byte(`{"name": "My Module"}`))
	w.Close()

	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Write(buf.Bytes())
	}))
}

func fastConfig() config.ProvisionConfig {
	return config.ProvisionConfig{
		DatabaseReadyTimeout: 500 * time.Millisecond,
		DatabasePollInterval: 10 * time.Millisecond,
		AppReadyTimeout:      500 * time.Millisecond,
		AppPollInterval:      10 * time.Millisecond,
		ArtifactTimeout:      5 * time.Second,
	}
}

func dockerConfig() config.DockerConfig {
	return config.DockerConfig{
		NetworkName:   "omb-test-network",
		NamePrefix:    "omb",
		PostgresImage: "postgres:13",
	}
}

func TestProvisionHappyPath(t *testing.T) {
	bundles := bundleServer(t)
	defer bundles.Close()

	health := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/web/health" {
			rw.WriteHeader(http.StatusOK)
			return
		}
		rw.WriteHeader(http.StatusNotFound)
	}))
	defer health.Close()

	engine := newFakeEngine()
	engine.mappedPort = mustPort(t, health.URL)

	p := NewProvisioner(engine, dockerConfig(), fastConfig())

	env, err := p.Provision(context.Background(), ProvisionRequest{
		SessionID:   "abc",
		OdooVersion: 17,
		ArtifactURL: bundles.URL + "/module.zip",
	})
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	defer p.Release(env)

	if env.DatabaseName != "omb-postgres-abc" {
		t.Errorf("DatabaseName = %q, want omb-postgres-abc", env.DatabaseName)
	}
	if env.AppName != "omb-odoo-abc" {
		t.Errorf("AppName = %q, want omb-odoo-abc", env.AppName)
	}
	if !strings.HasPrefix(env.BaseURL, "http://localhost:") {
		t.Errorf("BaseURL = %q, want dynamic localhost URL", env.BaseURL)
	}
	if got := engine.liveContainers(); len(got) != 2 {
		t.Errorf("live containers = %v, want database + app", got)
	}
}

func TestProvisionArtifactFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine := newFakeEngine()
	p := NewProvisioner(engine, dockerConfig(), fastConfig())

	_, err := p.Provision(context.Background(), ProvisionRequest{
		SessionID:   "abc",
		OdooVersion: 17,
		ArtifactURL: srv.URL + "/module.zip",
	})
	if !errors.Is(err, ErrArtifact) {
		t.Errorf("Provision() error = %v, want ErrArtifact", err)
	}
	if got := engine.liveContainers(); len(got) != 0 {
		t.Errorf("live containers after artifact failure = %v, want none", got)
	}
}

func TestProvisionDatabaseTimeoutCleansUp(t *testing.T) {
	bundles := bundleServer(t)
	defer bundles.Close()

	engine := newFakeEngine()
	engine.execResult = func(string, []string) (int, string, error) {
		return 1, "not ready", nil // pg_isready never succeeds
	}

	p := NewProvisioner(engine, dockerConfig(), fastConfig())

	_, err := p.Provision(context.Background(), ProvisionRequest{
		SessionID:   "abc",
		OdooVersion: 17,
		ArtifactURL: bundles.URL + "/module.zip",
	})
	if !errors.Is(err, ErrProvision) {
		t.Fatalf("Provision() error = %v, want ErrProvision", err)
	}
	if got := engine.liveContainers(); len(got) != 0 {
		t.Errorf("live containers after timeout = %v, want none (cleanup must run)", got)
	}
}

func TestProvisionAppStartFailureCleansUp(t *testing.T) {
	bundles := bundleServer(t)
	defer bundles.Close()

	engine := newFakeEngine()
	engine.runErr["omb-odoo-abc"] = errors.New("image pull failed")

	p := NewProvisioner(engine, dockerConfig(), fastConfig())

	_, err := p.Provision(context.Background(), ProvisionRequest{
		SessionID:   "abc",
		OdooVersion: 17,
		ArtifactURL: bundles.URL + "/module.zip",
	})
	if !errors.Is(err, ErrProvision) {
		t.Fatalf("Provision() error = %v, want ErrProvision", err)
	}
	if got := engine.liveContainers(); len(got) != 0 {
		t.Errorf("live containers = %v, want none (database must be released)", got)
	}
}

func TestProvisionIdempotentUnderSessionIDCollision(t *testing.T) {
	bundles := bundleServer(t)
	defer bundles.Close()

	health := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	engine := newFakeEngine()
	engine.mappedPort = mustPort(t, health.URL)
	// Stale containers from a crashed prior run with the same id.
	engine.running["omb-postgres-abc"] = true
	engine.running["omb-odoo-abc"] = true

	p := NewProvisioner(engine, dockerConfig(), fastConfig())

	env, err := p.Provision(context.Background(), ProvisionRequest{
		SessionID:   "abc",
		OdooVersion: 17,
		ArtifactURL: bundles.URL + "/module.zip",
	})
	if err != nil {
		t.Fatalf("Provision() with stale containers error = %v", err)
	}
	defer p.Release(env)

	if got := engine.liveContainers(); len(got) != 2 {
		t.Errorf("live containers = %v, want exactly one database + one app", got)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	engine := newFakeEngine()
	p := NewProvisioner(engine, dockerConfig(), fastConfig())

	env := &Environment{SessionID: "abc", DatabaseName: "omb-postgres-abc", AppName: "omb-odoo-abc"}
	p.Release(env)
	p.Release(env) // second release finds nothing and succeeds

	p.Release(nil) // nil-safe
}

func TestReapOrphans(t *testing.T) {
	engine := newFakeEngine()
	engine.listNames = []string{"omb-postgres-dead", "omb-odoo-dead", "omb-postgres-live"}

	p := NewProvisioner(engine, dockerConfig(), fastConfig())

	reaped, err := p.ReapOrphans(context.Background(), func(name string) bool {
		return strings.HasSuffix(name, "-live")
	})
	if err != nil {
		t.Fatalf("ReapOrphans() error = %v", err)
	}
	if reaped != 2 {
		t.Errorf("reaped = %d, want 2", reaped)
	}
}

func mustPort(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Port()
}
