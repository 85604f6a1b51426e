package environ

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"omb-test-runner/internal/config"
	"omb-test-runner/internal/odoo"
)

// Environment is the provisioned database+application pair bound to one
// session. Both containers share one isolated network; the application
// is never started before the database reports ready.
type Environment struct {
	SessionID    string
	DatabaseName string // database container name
	AppName      string // application container name
	Network      string
	BaseURL      string // resolved application base URL on the host
	ArtifactPath string // extracted module directory
	Release      odoo.Release
}

// ProvisionRequest names what to provision.
type ProvisionRequest struct {
	SessionID   string
	OdooVersion int
	ArtifactURL string
}

// Provisioner brings up and tears down per-session environments.
type Provisioner struct {
	engine     Engine
	httpClient *http.Client
	releases   *odoo.Registry
	docker     config.DockerConfig
	cfg        config.ProvisionConfig
}

func NewProvisioner(engine Engine, docker config.DockerConfig, cfg config.ProvisionConfig) *Provisioner {
	return &Provisioner{
		engine:     engine,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		releases:   odoo.NewRegistry(),
		docker:     docker,
		cfg:        cfg,
	}
}

func (p *Provisioner) databaseContainer(sessionID string) string {
	return fmt.Sprintf("%s-postgres-%s", p.docker.NamePrefix, sessionID)
}

func (p *Provisioner) appContainer(sessionID string) string {
	return fmt.Sprintf("%s-odoo-%s", p.docker.NamePrefix, sessionID)
}

// Provision fetches the artifact and starts the database and application
// containers, polling each until ready. Any failure cleans up whatever
// was created so far and returns an ErrProvision (or ErrArtifact for
// fetch failures). Provisioning the same session id twice never leaves
// two live database instances: stale same-named containers are forcibly
// removed first.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*Environment, error) {
	logger := log.With().Str("session_id", req.SessionID).Logger()
	logger.Info().Msg("provisioning environment")

	rel, err := p.releases.Get(req.OdooVersion)
	if err != nil {
		return nil, &SessionError{SessionID: req.SessionID, Op: "resolve_release", Err: fmt.Errorf("%w: %v", ErrProvision, err)}
	}

	if err := p.engine.EnsureNetwork(ctx, p.docker.NetworkName); err != nil {
		return nil, &SessionError{SessionID: req.SessionID, Op: "ensure_network", Err: fmt.Errorf("%w: %v", ErrProvision, err)}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.ArtifactTimeout)
	artifactPath, err := FetchArtifact(fetchCtx, p.httpClient, req.ArtifactURL, req.SessionID)
	cancel()
	if err != nil {
		return nil, &SessionError{SessionID: req.SessionID, Op: "fetch_artifact", Err: err}
	}

	env := &Environment{
		SessionID:    req.SessionID,
		DatabaseName: p.databaseContainer(req.SessionID),
		AppName:      p.appContainer(req.SessionID),
		Network:      p.docker.NetworkName,
		ArtifactPath: artifactPath,
		Release:      rel,
	}

	if err := p.startDatabase(ctx, env); err != nil {
		p.Release(env)
		return nil, err
	}
	if err := p.waitForDatabase(ctx, env); err != nil {
		p.Release(env)
		return nil, err
	}
	if err := p.startApp(ctx, env); err != nil {
		p.Release(env)
		return nil, err
	}
	if err := p.waitForApp(ctx, env); err != nil {
		p.Release(env)
		return nil, err
	}

	logger.Info().Str("base_url", env.BaseURL).Msg("environment ready")
	return env, nil
}

func (p *Provisioner) startDatabase(ctx context.Context, env *Environment) error {
	// Stale container from a crashed prior run with the same session id.
	if err := p.engine.RemoveContainer(ctx, env.DatabaseName, true); err != nil {
		log.Warn().Err(err).Str("container", env.DatabaseName).Msg("failed to remove stale database container")
	}

	_, err := p.engine.RunContainer(ctx, RunSpec{
		Name:    env.DatabaseName,
		Image:   p.docker.PostgresImage,
		Network: env.Network,
		Env: map[string]string{
			"POSTGRES_DB":       "odoo_" + env.SessionID,
			"POSTGRES_USER":     "odoo",
			"POSTGRES_PASSWORD": "odoo",
		},
	})
	if err != nil {
		return &SessionError{SessionID: env.SessionID, Op: "start_database", Err: fmt.Errorf("%w: %v", ErrProvision, err)}
	}
	log.Info().Str("container", env.DatabaseName).Msg("database container started")
	return nil
}

func (p *Provisioner) waitForDatabase(ctx context.Context, env *Environment) error {
	deadline := time.Now().Add(p.cfg.DatabaseReadyTimeout)
	ticker := time.NewTicker(p.cfg.DatabasePollInterval)
	defer ticker.Stop()

	for {
		exitCode, _, err := p.engine.Exec(ctx, env.DatabaseName, []string{"pg_isready", "-h", "localhost", "-U", "odoo"})
		if err == nil && exitCode == 0 {
			log.Info().Str("container", env.DatabaseName).Msg("database ready")
			return nil
		}

		if time.Now().After(deadline) {
			return &SessionError{
				SessionID: env.SessionID,
				Op:        "wait_database",
				Err:       fmt.Errorf("%w: database not ready after %s", ErrProvision, p.cfg.DatabaseReadyTimeout),
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &SessionError{SessionID: env.SessionID, Op: "wait_database", Err: fmt.Errorf("%w: %v", ErrProvision, ctx.Err())}
		}
	}
}

func (p *Provisioner) startApp(ctx context.Context, env *Environment) error {
	if err := p.engine.RemoveContainer(ctx, env.AppName, true); err != nil {
		log.Warn().Err(err).Str("container", env.AppName).Msg("failed to remove stale app container")
	}

	_, err := p.engine.RunContainer(ctx, RunSpec{
		Name:    env.AppName,
		Image:   env.Release.Image,
		Network: env.Network,
		Env: map[string]string{
			"HOST":     env.DatabaseName, // database reachable by container name on the shared network
			"USER":     "odoo",
			"PASSWORD": "odoo",
		},
		Mounts:      map[string]string{env.ArtifactPath: env.Release.AddonsMount},
		PublishPort: env.Release.ServicePort,
		Cmd:         env.Release.ServeCommand(),
	})
	if err != nil {
		return &SessionError{SessionID: env.SessionID, Op: "start_app", Err: fmt.Errorf("%w: %v", ErrProvision, err)}
	}
	log.Info().Str("container", env.AppName).Msg("application container started")
	return nil
}

func (p *Provisioner) waitForApp(ctx context.Context, env *Environment) error {
	hostPort, err := p.engine.MappedPort(ctx, env.AppName, env.Release.ServicePort)
	if err != nil {
		return &SessionError{SessionID: env.SessionID, Op: "resolve_port", Err: fmt.Errorf("%w: %v", ErrProvision, err)}
	}
	env.BaseURL = "http://localhost:" + hostPort

	deadline := time.Now().Add(p.cfg.AppReadyTimeout)
	ticker := time.NewTicker(p.cfg.AppPollInterval)
	defer ticker.Stop()

	healthURL := env.BaseURL + env.Release.HealthPath
	for {
		if p.probe(ctx, healthURL) {
			log.Info().Str("url", env.BaseURL).Msg("application ready")
			return nil
		}

		if time.Now().After(deadline) {
			// Container logs make readiness timeouts diagnosable.
			logs, _ := p.engine.Logs(ctx, env.AppName)
			return &SessionError{
				SessionID: env.SessionID,
				Op:        "wait_app",
				Err:       fmt.Errorf("%w: application not ready after %s; last logs: %s", ErrProvision, p.cfg.AppReadyTimeout, tail(logs, 1024)),
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &SessionError{SessionID: env.SessionID, Op: "wait_app", Err: fmt.Errorf("%w: %v", ErrProvision, ctx.Err())}
		}
	}
}

func (p *Provisioner) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Release tears down the environment's containers and artifact files.
// It runs on its own background deadline so cleanup happens even when
// the caller's context is already cancelled, and it is idempotent:
// releasing a half-provisioned or already-released environment finds
// nothing and succeeds.
func (p *Provisioner) Release(env *Environment) {
	if env == nil {
		return
	}
	logger := log.With().Str("session_id", env.SessionID).Logger()
	logger.Info().Msg("releasing environment")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, name := range []string{env.AppName, env.DatabaseName} {
		if name == "" {
			continue
		}
		if err := p.engine.RemoveContainer(ctx, name, true); err != nil {
			logger.Error().Err(err).Str("container", name).Msg("failed to remove container")
		}
	}

	if env.ArtifactPath != "" {
		// ArtifactPath is <tempdir>/module; remove the whole temp dir.
		if err := os.RemoveAll(filepath.Dir(env.ArtifactPath)); err != nil {
			logger.Error().Err(err).Msg("failed to remove artifact dir")
		}
		env.ArtifactPath = ""
	}
}

// ReleaseSession tears down by session id alone, for callers that no
// longer hold an Environment handle.
func (p *Provisioner) ReleaseSession(sessionID string) {
	p.Release(&Environment{
		SessionID:    sessionID,
		DatabaseName: p.databaseContainer(sessionID),
		AppName:      p.appContainer(sessionID),
	})
}

// ReapOrphans removes prefixed containers that no live session owns,
// e.g. leftovers from a crashed prior run. keep reports whether a
// container name belongs to a live session.
func (p *Provisioner) ReapOrphans(ctx context.Context, keep func(name string) bool) (int, error) {
	names, err := p.engine.ListContainers(ctx, p.docker.NamePrefix+"-")
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, name := range names {
		if keep != nil && keep(name) {
			continue
		}
		log.Warn().Str("container", name).Msg("removing orphaned container")
		if err := p.engine.RemoveContainer(ctx, name, true); err != nil {
			log.Error().Err(err).Str("container", name).Msg("failed to remove orphan")
			continue
		}
		reaped++
	}
	return reaped, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
