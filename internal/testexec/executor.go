// Package testexec runs synthesized pytest/Playwright scripts against
// a provisioned environment and turns pytest's output into structured
// results. Execution never returns an error to the caller: every
// failure mode is folded into the TestRun so the pipeline can record
// it and price it.
package testexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"omb-test-runner/internal/config"
	"omb-test-runner/internal/environ"
)

// conftest wires the Playwright browser lifecycle for the generated
// script: headless chromium, a fresh context per test, and a
// screenshot captured on teardown so failures leave evidence.
const conftestSource = `import os

import pytest
from playwright.sync_api import sync_playwright


@pytest.fixture(scope="session")
def browser():
    with sync_playwright() as p:
        browser = p.chromium.launch(headless=True)
        yield browser
        browser.close()


@pytest.fixture
def page(browser, request):
    context = browser.new_context()
    page = context.new_page()
    yield page
    try:
        name = request.node.name.replace("/", "_")
        page.screenshot(path=f"{name}.png", full_page=True)
    except Exception:
        pass
    context.close()
`

const pytestINI = `[pytest]
addopts = -x --tb=short
`

// Executor materializes and runs one script per call. Safe for
// concurrent use; browser installation happens once per process.
type Executor struct {
	cfg         config.TestingConfig
	installOnce sync.Once
	installErr  error
}

func NewExecutor(cfg config.TestingConfig) *Executor {
	return &Executor{cfg: cfg}
}

// Execute writes the script and harness files into a temp directory,
// runs pytest with a hard timeout, and parses whichever report pytest
// managed to produce. The returned run is never nil. Once pytest has
// run, the directory is kept as the run's ArtifactDir so screenshots
// and traces outlive the call; the caller removes it when done.
func (e *Executor) Execute(ctx context.Context, env *environ.Environment, script string) *TestRun {
	logger := log.With().Str("session_id", env.SessionID).Logger()

	if e.cfg.BrowserInstall {
		e.installOnce.Do(func() {
			e.installErr = e.installBrowsers(ctx)
		})
		if e.installErr != nil {
			logger.Warn().Err(e.installErr).Msg("browser install failed, running with existing browsers")
		}
	}

	workdir, err := os.MkdirTemp("", "omb-tests-"+env.SessionID+"-*")
	if err != nil {
		return failedRun(fmt.Sprintf("create workspace: %v", err))
	}

	files := map[string]string{
		"test_module.py": script,
		"conftest.py":    conftestSource,
		"pytest.ini":     pytestINI,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(workdir, name), []byte(content), 0o644); err != nil {
			os.RemoveAll(workdir)
			return failedRun(fmt.Sprintf("write %s: %v", name, err))
		}
	}

	timeout := e.cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jsonPath := filepath.Join(workdir, "results.json")
	xmlPath := filepath.Join(workdir, "results.xml")

	cmd := exec.CommandContext(runCtx, e.cfg.PythonBin, "-m", "pytest", "test_module.py",
		"--json-report", "--json-report-file="+jsonPath,
		"--junit-xml="+xmlPath)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "ODOO_URL="+env.BaseURL)

	started := time.Now()
	output, runErr := cmd.CombinedOutput()
	elapsed := time.Since(started)

	logger.Info().
		Dur("duration", elapsed).
		Bool("timed_out", runCtx.Err() == context.DeadlineExceeded).
		Msg("pytest finished")

	if runCtx.Err() == context.DeadlineExceeded {
		run := failedRun(fmt.Sprintf("test execution timed out after %s", timeout))
		run.Duration = elapsed
		run.ArtifactDir = workdir
		return run
	}

	// pytest exits nonzero on test failures; the reports still carry
	// the per-test outcomes, so parse before judging runErr.
	run, parseErr := parseReports(jsonPath, xmlPath)
	if parseErr != nil {
		summary := fmt.Sprintf("no test report produced: %v", parseErr)
		if runErr != nil {
			summary = fmt.Sprintf("%s (pytest: %v, output: %s)", summary, runErr, tail(output, 512))
		}
		failed := failedRun(summary)
		failed.Duration = elapsed
		failed.ArtifactDir = workdir
		return failed
	}
	if run.Duration == 0 {
		run.Duration = elapsed
	}

	run.ArtifactDir = workdir
	e.collectArtifacts(workdir, run)
	return run
}

// parseReports prefers the structured JSON report and falls back to
// JUnit XML when the json-report plugin was absent.
func parseReports(jsonPath, xmlPath string) (*TestRun, error) {
	run, jsonErr := parseJSONReport(jsonPath)
	if jsonErr == nil {
		return run, nil
	}
	run, xmlErr := parseJUnitReport(xmlPath)
	if xmlErr == nil {
		return run, nil
	}
	return nil, fmt.Errorf("json: %v; junit: %v", jsonErr, xmlErr)
}

// collectArtifacts attaches screenshots and traces left in the
// workdir to their test cases by filename prefix.
func (e *Executor) collectArtifacts(workdir string, run *TestRun) {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		for i := range run.TestCases {
			tc := &run.TestCases[i]
			if !strings.HasPrefix(name, tc.Name) {
				continue
			}
			switch {
			case strings.HasSuffix(name, ".png"):
				tc.Screenshot = name
			case strings.HasSuffix(name, ".zip"):
				tc.Trace = name
			}
		}
	}
}

func (e *Executor) installBrowsers(ctx context.Context) error {
	installCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(installCtx, e.cfg.PythonBin, "-m", "playwright", "install", "chromium")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("playwright install: %w: %s", err, tail(output, 512))
	}
	log.Info().Msg("playwright chromium ready")
	return nil
}

func failedRun(summary string) *TestRun {
	return &TestRun{ErrorSummary: summary, Success: false}
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
