package uat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func fakeCloudflared(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "cloudflared")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCloudflaredOpenFindsURL(t *testing.T) {
	bin := fakeCloudflared(t, `#!/bin/sh
echo "INF Starting tunnel"
echo "INF +  https://quiet-fox-review.trycloudflare.com  +" >&2
sleep 30
`)
	tunnel := NewCloudflaredTunnel(bin, 5*time.Second)

	url, stop, err := tunnel.Open(context.Background(), "http://localhost:32768")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stop()

	if url != "https://quiet-fox-review.trycloudflare.com" {
		t.Fatalf("url: %q", url)
	}

	// stop twice must not panic
	stop()
	stop()
}

func TestCloudflaredOpenTimesOut(t *testing.T) {
	bin := fakeCloudflared(t, `#!/bin/sh
echo "INF Starting tunnel"
sleep 30
`)
	tunnel := NewCloudflaredTunnel(bin, 200*time.Millisecond)

	_, _, err := tunnel.Open(context.Background(), "http://localhost:32768")
	if !errors.Is(err, ErrTunnel) {
		t.Fatalf("expected ErrTunnel, got %v", err)
	}
}

func TestCloudflaredOpenMissingBinary(t *testing.T) {
	tunnel := NewCloudflaredTunnel(filepath.Join(t.TempDir(), "nope"), time.Second)

	_, _, err := tunnel.Open(context.Background(), "http://localhost:32768")
	if !errors.Is(err, ErrTunnel) {
		t.Fatalf("expected ErrTunnel, got %v", err)
	}
}

func TestCloudflaredOpenCancelled(t *testing.T) {
	bin := fakeCloudflared(t, "#!/bin/sh\nsleep 30\n")
	tunnel := NewCloudflaredTunnel(bin, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := tunnel.Open(ctx, "http://localhost:32768")
	if !errors.Is(err, ErrTunnel) {
		t.Fatalf("expected ErrTunnel, got %v", err)
	}
}
