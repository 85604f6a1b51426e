package environ

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
)

// InstallResult captures the outcome of a module installation. An
// installation failure is an expected outcome, not exceptional control
// flow: callers get the logs either way and decide on a fix-and-retry
// loop outside this service.
type InstallResult struct {
	Success      bool          `json:"success"`
	Logs         string        `json:"logs"`
	DatabaseName string        `json:"database_name"`
	ModuleName   string        `json:"module_name"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// criticalMarker matches the server's critical-severity log lines. Some
// initialization failures exit 0 but log CRITICAL, so the exit code
// alone does not establish success.
var criticalMarker = regexp.MustCompile(`(?m)\bCRITICAL\b`)

// Installer initializes a module inside a provisioned environment.
type Installer struct {
	engine Engine
}

func NewInstaller(engine Engine) *Installer {
	return &Installer{engine: engine}
}

// Install creates a fresh session-named database schema and initializes
// the module into it via an in-container exec. All failures are
// reported through the result; Install never returns an error.
func (i *Installer) Install(ctx context.Context, env *Environment, moduleName string) InstallResult {
	dbName := "testdb_" + env.SessionID
	logger := log.With().Str("session_id", env.SessionID).Str("module", moduleName).Logger()
	logger.Info().Str("database", dbName).Msg("installing module")

	start := time.Now()
	exitCode, output, err := i.engine.Exec(ctx, env.AppName, env.Release.InstallCommand(dbName, moduleName))
	duration := time.Since(start)

	result := InstallResult{
		Logs:         output,
		DatabaseName: dbName,
		ModuleName:   moduleName,
		Duration:     duration,
	}

	if err != nil {
		result.ErrorMessage = fmt.Sprintf("installation exec failed: %v", err)
		logger.Error().Err(err).Msg("module installation exec failed")
		return result
	}

	result.Success = exitCode == 0 && !criticalMarker.MatchString(output)
	if !result.Success {
		result.ErrorMessage = fmt.Sprintf("installation failed with exit code %d", exitCode)
		if exitCode == 0 {
			result.ErrorMessage = "installation logged a CRITICAL error"
		}
	}

	logger.Info().
		Bool("success", result.Success).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("module installation finished")
	return result
}
