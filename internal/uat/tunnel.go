// Package uat manages acceptance sessions: a full environment with
// the module installed, exposed to the customer through a temporary
// public tunnel, with an expiry clock that can be extended while they
// are still clicking around.
package uat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrTunnel marks tunnel establishment failures.
var ErrTunnel = errors.New("tunnel failed")

// Tunnel exposes a local URL publicly. Open returns the public URL
// and a stop function that tears the tunnel down; stop is safe to
// call more than once.
type Tunnel interface {
	Open(ctx context.Context, targetURL string) (publicURL string, stop func(), err error)
}

// CloudflaredTunnel shells out to cloudflared quick tunnels. No
// account or DNS setup; the public hostname is random and printed to
// the process log, which we scan for.
type CloudflaredTunnel struct {
	Bin        string
	URLTimeout time.Duration
}

func NewCloudflaredTunnel(bin string, urlTimeout time.Duration) *CloudflaredTunnel {
	return &CloudflaredTunnel{Bin: bin, URLTimeout: urlTimeout}
}

var tunnelURLPattern = regexp.MustCompile(`https?://[a-zA-Z0-9-]+\.trycloudflare\.com`)

func (t *CloudflaredTunnel) Open(ctx context.Context, targetURL string) (string, func(), error) {
	cmd := exec.Command(t.Bin, "tunnel", "--url", targetURL, "--no-autoupdate", "--no-tls-verify")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", nil, fmt.Errorf("%w: stdout pipe: %v", ErrTunnel, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", nil, fmt.Errorf("%w: stderr pipe: %v", ErrTunnel, err)
	}

	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("%w: start %s: %v", ErrTunnel, t.Bin, err)
	}

	stop := func() {
		if cmd.Process == nil {
			return
		}
		_ = cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_, _ = cmd.Process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
		}
	}

	// cloudflared prints the assigned hostname on either stream
	// depending on version.
	urls := make(chan string, 2)
	go scanForURL(stdout, urls)
	go scanForURL(stderr, urls)

	timeout := t.URLTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case url := <-urls:
		log.Info().Str("tunnel_url", url).Str("target", targetURL).Msg("tunnel established")
		return url, stop, nil
	case <-time.After(timeout):
		stop()
		return "", nil, fmt.Errorf("%w: no public url within %s", ErrTunnel, timeout)
	case <-ctx.Done():
		stop()
		return "", nil, fmt.Errorf("%w: %v", ErrTunnel, ctx.Err())
	}
}

func scanForURL(r io.Reader, urls chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if m := tunnelURLPattern.FindString(scanner.Text()); m != "" {
			select {
			case urls <- m:
			default:
			}
			return
		}
	}
}
