package executor

import (
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ErrBlockedAddress is returned when a request would connect to a loopback,
// private, link-local or otherwise non-public address.
var ErrBlockedAddress = errors.New("destination address is not public")

// sharedAddressSpace is 100.64.0.0/10 (carrier-grade NAT).
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// IsPublicAddr reports whether addr is routable on the public internet.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		sharedAddressSpace.Contains(addr):
		return false
	}
	return true
}

// guardDial refuses sockets to non-public addresses. It runs after name
// resolution and for every connection, redirects included.
func guardDial(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Wrapf(ErrBlockedAddress, "%s", address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || !IsPublicAddr(addr) {
		return errors.Wrapf(ErrBlockedAddress, "%s", host)
	}
	return nil
}

// NewPublicClient is NewClient restricted to public destinations. Use it for
// URLs that come from plans or search results rather than from configuration.
func NewPublicClient(provider string, rps float64, timeout time.Duration) *Client {
	c := NewClient(provider, rps, timeout)
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   guardDial,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	c.http.Transport = transport
	return c
}
