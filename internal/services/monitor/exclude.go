package monitor

import (
	"net"
	"net/url"
	"strings"
)

// Excluded reports whether traffic to rawURL must not be observed.
// Portal pages, loopback hosts and non-http schemes are all skipped so the
// login flow never feeds its own failures back into the streak.
func Excluded(rawURL, portalHost string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	return excludedURL(u, portalHost)
}

func excludedURL(u *url.URL, portalHost string) bool {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return true
	}
	return excludedHost(u.Hostname(), portalHost)
}

func excludedHost(host, portalHost string) bool {
	if host == "" {
		return true
	}
	if portalHost != "" && strings.EqualFold(host, portalHost) {
		return true
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}
