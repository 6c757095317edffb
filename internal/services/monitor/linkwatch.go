package monitor

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// LinkStateFunc reports whether any usable network link is up
type LinkStateFunc func() (bool, error)

// LinkWatcher turns interface up/down transitions into online/offline events
type LinkWatcher struct {
	interval  time.Duration
	linkState LinkStateFunc
	logger    arbor.ILogger

	mu        sync.Mutex
	listeners []func(up bool)
	known     bool
	up        bool
}

// NewLinkWatcher creates a watcher polling every interval. linkState nil reads the host interfaces.
func NewLinkWatcher(interval time.Duration, linkState LinkStateFunc, logger arbor.ILogger) *LinkWatcher {
	if linkState == nil {
		linkState = InterfacesUp
	}
	return &LinkWatcher{
		interval:  interval,
		linkState: linkState,
		logger:    logger,
	}
}

// OnChange registers a listener for transitions
func (w *LinkWatcher) OnChange(fn func(up bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Run polls until ctx is done
func (w *LinkWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll reads the link state once. The first read only sets the baseline.
func (w *LinkWatcher) Poll() {
	up, err := w.linkState()
	if err != nil {
		w.logger.Debug().Err(err).Msg("Failed to read link state")
		return
	}

	w.mu.Lock()
	changed := w.known && up != w.up
	w.known = true
	w.up = up
	listeners := append([]func(bool)(nil), w.listeners...)
	w.mu.Unlock()

	if !changed {
		return
	}

	w.logger.Info().Bool("up", up).Msg("Network link changed")
	for _, fn := range listeners {
		fn(up)
	}
}

// virtualPrefixes name bridges, container veths and VPN tunnels that stay up without an uplink
var virtualPrefixes = []string{"docker", "br-", "veth", "virbr", "vmnet", "vboxnet", "tun", "tap", "wg", "utun", "zt", "tailscale"}

// isVirtualInterface reports links that say nothing about the physical network.
// Point-to-point links count as virtual except ppp dial-up uplinks.
func isVirtualInterface(name string, flags net.Flags) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return flags&net.FlagPointToPoint != 0 && !strings.HasPrefix(lower, "ppp")
}

// usableLink is true when iface is up, physical and not loopback
func usableLink(iface net.Interface) bool {
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	return !isVirtualInterface(iface.Name, iface.Flags)
}

// InterfacesUp is true when a physical, non-loopback interface is up and has an address
func InterfacesUp() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, iface := range ifaces {
		if !usableLink(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if len(addrs) > 0 {
			return true, nil
		}
	}
	return false, nil
}
