package daemon

import (
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"weaver/internal/wireerr"
)

// endpoint describes where the listener binds: a Unix-domain socket path or
// a TCP address, resolved from Config.SocketPath. A "tcp://host:port"
// value selects TCP; anything else is a Unix socket path.
type endpoint struct {
	network string // "unix" or "tcp"
	address string
}

func resolveEndpoint(socketPath string, defaultSocket string) endpoint {
	if strings.HasPrefix(socketPath, "tcp://") {
		return endpoint{network: "tcp", address: strings.TrimPrefix(socketPath, "tcp://")}
	}
	if socketPath != "" {
		return endpoint{network: "unix", address: socketPath}
	}
	return endpoint{network: "unix", address: defaultSocket}
}

// bind opens the listener for ep on the running host.
func bind(ep endpoint) (net.Listener, error) {
	return bindOn(ep, runtime.GOOS)
}

// bindOn implements bind's algorithm against an explicit GOOS so the
// unsupported-platform fail-fast path is exercisable in tests without
// actually running on that platform. Per spec §4.1: a Unix endpoint on a
// non-Unix host fails fast with an InvalidConfiguration-tagged error
// carrying the `unsupported-platform` reason; a stale Unix socket path (no
// live listener behind it) is reclaimed by unlinking before binding.
func bindOn(ep endpoint, goos string) (net.Listener, error) {
	if ep.network == "unix" {
		if goos == "windows" {
			return nil, wireerr.Withf(wireerr.InvalidConfiguration,
				map[string]any{"reason": "unsupported-platform"},
				"unix-domain sockets are not supported on %s", goos)
		}
		reclaimStaleSocket(ep.address)
	}

	ln, err := net.Listen(ep.network, ep.address)
	if err != nil {
		return nil, wireerr.New(wireerr.InvalidConfiguration, "bind %s %s: %v", ep.network, ep.address, err)
	}
	return ln, nil
}

// reclaimStaleSocket removes a leftover Unix socket file at path if nothing
// is listening behind it. A live listener is left untouched; acquireLock
// already prevents two daemons racing to bind the same path.
func reclaimStaleSocket(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Mode()&os.ModeSocket == 0 {
		return
	}
	conn, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond)
	if dialErr == nil {
		conn.Close()
		return
	}
	os.Remove(path)
}
