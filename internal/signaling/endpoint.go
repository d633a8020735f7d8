package signaling

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// endpoint is a parsed signaling endpoint URI. Only WebSocket schemes are
// accepted; ws maps to SIP transport WS on port 80, wss to WSS on 443 unless
// the URI carries an explicit port.
type endpoint struct {
	URL       string
	Host      string
	Port      int
	Transport string
}

func parseEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("parsing endpoint %q: %w", raw, err)
	}

	var transport string
	var port int
	switch strings.ToLower(u.Scheme) {
	case "ws":
		transport = "WS"
		port = 80
	case "wss":
		transport = "WSS"
		port = 443
	default:
		return endpoint{}, fmt.Errorf("endpoint %q: unsupported scheme %q, want ws or wss", raw, u.Scheme)
	}

	if u.Hostname() == "" {
		return endpoint{}, fmt.Errorf("endpoint %q: missing host", raw)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return endpoint{}, fmt.Errorf("endpoint %q: invalid port %q", raw, p)
		}
	}

	return endpoint{
		URL:       raw,
		Host:      u.Hostname(),
		Port:      port,
		Transport: transport,
	}, nil
}
