package environ

import (
	"context"
	"errors"
	"strings"
	"testing"

	"omb-test-runner/internal/odoo"
)

func testEnvironment() *Environment {
	rel, _ := odoo.NewRegistry().Get(17)
	return &Environment{
		SessionID: "abc",
		AppName:   "omb-odoo-abc",
		Release:   rel,
	}
}

func TestInstallSuccess(t *testing.T) {
	engine := newFakeEngine()
	engine.execResult = func(container string, cmd []string) (int, string, error) {
		if container != "omb-odoo-abc" {
			t.Errorf("exec container = %q, want omb-odoo-abc", container)
		}
		joined := strings.Join(cmd, " ")
		if !strings.Contains(joined, "-d testdb_abc") || !strings.Contains(joined, "--stop-after-init") {
			t.Errorf("install command = %q, missing db name or stop-after-init", joined)
		}
		return 0, "INFO odoo: module loaded\n", nil
	}

	result := NewInstaller(engine).Install(context.Background(), testEnvironment(), "my_module")

	if !result.Success {
		t.Errorf("Success = false, want true: %s", result.ErrorMessage)
	}
	if result.DatabaseName != "testdb_abc" {
		t.Errorf("DatabaseName = %q, want testdb_abc", result.DatabaseName)
	}
	if result.Logs == "" {
		t.Error("Logs should be captured")
	}
}

func TestInstallNonZeroExit(t *testing.T) {
	engine := newFakeEngine()
	engine.execResult = func(string, []string) (int, string, error) {
		return 1, "ERROR odoo: module not found\n", nil
	}

	result := NewInstaller(engine).Install(context.Background(), testEnvironment(), "my_module")

	if result.Success {
		t.Error("Success = true, want false for non-zero exit")
	}
	if !strings.Contains(result.ErrorMessage, "exit code 1") {
		t.Errorf("ErrorMessage = %q, want exit code mention", result.ErrorMessage)
	}
	if !strings.Contains(result.Logs, "module not found") {
		t.Error("Logs should be captured on failure too")
	}
}

func TestInstallCriticalLogDespiteExitZero(t *testing.T) {
	engine := newFakeEngine()
	engine.execResult = func(string, []string) (int, string, error) {
		return 0, "INFO starting\nCRITICAL odoo.modules: failed to initialize database\n", nil
	}

	result := NewInstaller(engine).Install(context.Background(), testEnvironment(), "my_module")

	if result.Success {
		t.Error("Success = true, want false when logs contain CRITICAL")
	}
	if !strings.Contains(result.ErrorMessage, "CRITICAL") {
		t.Errorf("ErrorMessage = %q, want CRITICAL mention", result.ErrorMessage)
	}
}

func TestInstallExecError(t *testing.T) {
	engine := newFakeEngine()
	engine.execResult = func(string, []string) (int, string, error) {
		return -1, "", errors.New("container not running")
	}

	result := NewInstaller(engine).Install(context.Background(), testEnvironment(), "my_module")

	if result.Success {
		t.Error("Success = true, want false on exec error")
	}
	if result.ErrorMessage == "" {
		t.Error("ErrorMessage should describe the exec failure")
	}
}
