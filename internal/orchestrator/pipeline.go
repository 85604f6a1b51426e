// Package orchestrator drives a test session end to end: provision,
// install, synthesize, execute, record. Each step advances the shared
// session registry so status polls see live progress, and every exit
// path releases the environment.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"omb-test-runner/internal/environ"
	"omb-test-runner/internal/monitor"
	"omb-test-runner/internal/session"
	"omb-test-runner/internal/storage"
	"omb-test-runner/internal/testexec"
	"omb-test-runner/internal/testgen"
)

type provisioner interface {
	Provision(ctx context.Context, req environ.ProvisionRequest) (*environ.Environment, error)
	Release(env *environ.Environment)
}

type installer interface {
	Install(ctx context.Context, env *environ.Environment, moduleName string) environ.InstallResult
}

type generator interface {
	Synthesize(ctx context.Context, req testgen.Request) (string, error)
}

type executor interface {
	Execute(ctx context.Context, env *environ.Environment, script string) *testexec.TestRun
}

type auditor interface {
	Log(rec *storage.SessionRecord)
}

// Request describes one test session to run.
type Request struct {
	SessionID     string
	ModuleName    string
	OdooVersion   int
	ArtifactURL   string
	Specification string
	QuickMode     bool
}

// Pipeline executes test sessions. All collaborators are injected;
// the pipeline owns no state of its own beyond them.
type Pipeline struct {
	registry *session.Registry
	prov     provisioner
	inst     installer
	gen      generator
	exec     executor
	audit    auditor
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
}

func NewPipeline(
	registry *session.Registry,
	prov provisioner,
	inst installer,
	gen generator,
	exec executor,
	audit auditor,
	metrics *monitor.Metrics,
	tracer *monitor.Tracer,
) *Pipeline {
	return &Pipeline{
		registry: registry,
		prov:     prov,
		inst:     inst,
		gen:      gen,
		exec:     exec,
		audit:    audit,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Run drives one session to a terminal state. It blocks; callers run
// it in a goroutine with the cancel handed to the registry. The
// session must already exist in the registry.
func (p *Pipeline) Run(ctx context.Context, req Request) {
	logger := log.With().Str("session_id", req.SessionID).Str("module", req.ModuleName).Logger()
	started := time.Now()

	ctx, span := p.tracer.StartSpan(ctx, "session",
		monitor.AttrSessionID.String(req.SessionID),
		monitor.AttrModule.String(req.ModuleName),
		monitor.AttrOdooVersion.Int(req.OdooVersion),
	)
	defer span.End()

	p.metrics.ActiveSessions.Inc()
	defer p.metrics.ActiveSessions.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("pipeline panicked")
			p.fail(req, started, nil, fmt.Sprintf("internal error: %v", r))
		}
	}()

	// provision
	p.advance(req.SessionID, session.StatusPreparingEnv, 10, "preparing environment")
	env, err := p.step(ctx, "provision", func(ctx context.Context) (*environ.Environment, error) {
		return p.prov.Provision(ctx, environ.ProvisionRequest{
			SessionID:   req.SessionID,
			OdooVersion: req.OdooVersion,
			ArtifactURL: req.ArtifactURL,
		})
	})
	if err != nil {
		// a stop cancels the context, which surfaces here as a
		// provision error; record the stop, not a failure
		if p.stopped(ctx, req, started, nil) {
			return
		}
		p.metrics.ProvisionFailures.WithLabelValues(failureReason(err)).Inc()
		p.fail(req, started, nil, err.Error())
		return
	}
	defer p.prov.Release(env)

	if p.stopped(ctx, req, started, nil) {
		return
	}

	// install
	p.advance(req.SessionID, session.StatusInstallingModule, 30, "installing module")
	installStart := time.Now()
	install := p.inst.Install(ctx, env, req.ModuleName)
	p.metrics.RecordStep("install", time.Since(installStart).Seconds())
	results := &session.Results{Install: &install}
	if !install.Success {
		if p.stopped(ctx, req, started, results) {
			return
		}
		logger.Warn().Str("error", install.ErrorMessage).Msg("module installation failed")
		p.complete(req, started, session.StatusFailed, results)
		return
	}

	if p.stopped(ctx, req, started, results) {
		return
	}

	// synthesize
	p.advance(req.SessionID, session.StatusGeneratingTests, 50, "generating tests")
	mode := testgen.ModeComprehensive
	if req.QuickMode {
		mode = testgen.ModeQuick
	}
	genStart := time.Now()
	script, err := p.gen.Synthesize(ctx, testgen.Request{
		ModuleName:    req.ModuleName,
		Specification: req.Specification,
		Bundle:        loadBundle(env.ArtifactPath),
		BaseURL:       env.BaseURL,
		Mode:          mode,
	})
	p.metrics.RecordStep("generate", time.Since(genStart).Seconds())
	if err != nil {
		if p.stopped(ctx, req, started, results) {
			return
		}
		p.fail(req, started, results, err.Error())
		return
	}

	if p.stopped(ctx, req, started, results) {
		return
	}

	// execute
	p.advance(req.SessionID, session.StatusRunningTests, 70, "running tests")
	execStart := time.Now()
	run := p.exec.Execute(ctx, env, script)
	p.metrics.RecordStep("execute", time.Since(execStart).Seconds())
	results.TestRun = run

	if p.stopped(ctx, req, started, results) {
		return
	}

	// aggregate
	p.advance(req.SessionID, session.StatusProcessingResults, 90, "processing results")
	p.metrics.RecordTestCases(run.Passed, run.Failed, run.Skipped)
	span.SetAttributes(monitor.AttrTestsTotal.Int(run.Total))

	final := session.StatusCompleted
	if !run.Success {
		final = session.StatusFailed
	}
	logger.Info().
		Str("status", string(final)).
		Int("total", run.Total).
		Int("passed", run.Passed).
		Int("failed", run.Failed).
		Dur("duration", time.Since(started)).
		Msg("session finished")
	p.complete(req, started, final, results)
}

// step runs fn inside a named child span and records its duration.
func (p *Pipeline) step(ctx context.Context, name string, fn func(ctx context.Context) (*environ.Environment, error)) (*environ.Environment, error) {
	ctx, span := p.tracer.StartSpan(ctx, name, monitor.AttrStep.String(name))
	defer span.End()

	started := time.Now()
	env, err := fn(ctx)
	p.metrics.RecordStep(name, time.Since(started).Seconds())
	return env, err
}

func (p *Pipeline) advance(id string, status session.Status, progress int, stepName string) {
	if err := p.registry.Advance(id, status, progress, stepName); err != nil {
		log.Warn().Err(err).Str("session_id", id).Str("status", string(status)).Msg("registry advance rejected")
	}
}

// stopped checks for cooperative cancellation between steps. When the
// session was stopped its terminal status is already set by the
// registry; this just gets the goroutine out.
func (p *Pipeline) stopped(ctx context.Context, req Request, started time.Time, results *session.Results) bool {
	if ctx.Err() == nil {
		return false
	}
	_ = p.registry.Complete(req.SessionID, session.StatusStopped, results)
	p.record(req, started, string(session.StatusStopped), results)
	return true
}

func (p *Pipeline) fail(req Request, started time.Time, results *session.Results, errText string) {
	if err := p.registry.Fail(req.SessionID, errText); err != nil {
		log.Warn().Err(err).Str("session_id", req.SessionID).Msg("registry fail rejected")
	}
	p.record(req, started, string(session.StatusFailed), results)
}

func (p *Pipeline) complete(req Request, started time.Time, status session.Status, results *session.Results) {
	if err := p.registry.Complete(req.SessionID, status, results); err != nil {
		log.Warn().Err(err).Str("session_id", req.SessionID).Msg("registry complete rejected")
	}
	p.record(req, started, string(status), results)
}

// record emits the terminal metrics and the audit row.
func (p *Pipeline) record(req Request, started time.Time, status string, results *session.Results) {
	p.metrics.RecordSession("test", status)
	if p.audit == nil {
		return
	}

	now := time.Now()
	rec := &storage.SessionRecord{
		ID:          req.SessionID,
		Kind:        "test",
		ModuleName:  req.ModuleName,
		OdooVersion: req.OdooVersion,
		Status:      status,
		DurationMS:  now.Sub(started).Milliseconds(),
		CreatedAt:   started,
		CompletedAt: &now,
	}
	if results != nil {
		if results.Install != nil {
			rec.InstallOK = results.Install.Success
			if !results.Install.Success {
				rec.ErrorSummary = results.Install.ErrorMessage
			}
		}
		if results.TestRun != nil {
			rec.TestsTotal = results.TestRun.Total
			rec.TestsPassed = results.TestRun.Passed
			rec.TestsFailed = results.TestRun.Failed
			rec.TestsSkipped = results.TestRun.Skipped
			if rec.ErrorSummary == "" {
				rec.ErrorSummary = results.TestRun.ErrorSummary
			}
		}
	}
	p.audit.Log(rec)
}

// loadBundle reads the extracted module sources into memory for the
// generator's structure analysis. Only source-ish files, individually
// size-capped; binary assets are of no use to the prompt.
func loadBundle(root string) map[string]string {
	const maxFileSize = 256 << 10

	bundle := make(map[string]string)
	if root == "" {
		return bundle
	}
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".py", ".xml", ".csv", ".js", ".css", ".scss":
		default:
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		bundle[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return bundle
}

func failureReason(err error) string {
	switch {
	case environ.IsArtifactFailure(err):
		return "artifact"
	case environ.IsProvisionFailure(err):
		return "environment"
	default:
		return "other"
	}
}
