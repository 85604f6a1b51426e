package environ

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// FetchArtifact downloads the code-bundle archive at url and extracts
// it into a session-unique temporary directory, returning the extracted
// module path. Any failure is an ErrArtifact.
func FetchArtifact(ctx context.Context, client *http.Client, url, sessionID string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	tempDir, err := os.MkdirTemp("", "omb-module-"+sessionID+"-*")
	if err != nil {
		return "", fmt.Errorf("%w: creating temp dir: %v", ErrArtifact, err)
	}

	zipPath := filepath.Join(tempDir, "module.zip")
	if err := download(ctx, client, url, zipPath); err != nil {
		os.RemoveAll(tempDir)
		return "", err
	}

	extractPath := filepath.Join(tempDir, "module")
	if err := extractZip(zipPath, extractPath); err != nil {
		os.RemoveAll(tempDir)
		return "", err
	}

	log.Info().Str("session_id", sessionID).Str("path", extractPath).Msg("module artifact extracted")
	return extractPath, nil
}

func download(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrArtifact, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: downloading %s: %v", ErrArtifact, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: downloading %s: status %d", ErrArtifact, url, resp.StatusCode)
	}

	f, err := os.Create(dest) // #nosec G304 -- dest is under our own temp dir
	if err != nil {
		return fmt.Errorf("%w: creating archive file: %v", ErrArtifact, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("%w: writing archive: %v", ErrArtifact, err)
	}
	return nil
}

func extractZip(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("%w: opening archive: %v", ErrArtifact, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0750); err != nil {
		return fmt.Errorf("%w: creating extract dir: %v", ErrArtifact, err)
	}

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name) // #nosec G305 -- checked below
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("%w: archive entry %q escapes extraction dir", ErrArtifact, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0750); err != nil {
				return fmt.Errorf("%w: creating dir %s: %v", ErrArtifact, f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return fmt.Errorf("%w: creating parent of %s: %v", ErrArtifact, f.Name, err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrArtifact, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640) // #nosec G304 -- path validated against zip-slip
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrArtifact, f.Name, err)
	}
	defer out.Close()

	// Cap per-file size to keep a hostile archive from filling the disk.
	if _, err := io.Copy(out, io.LimitReader(rc, 64<<20)); err != nil {
		return fmt.Errorf("%w: extracting %s: %v", ErrArtifact, f.Name, err)
	}
	return nil
}
