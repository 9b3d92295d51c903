package transport

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint is the receiver address used by the socket and datagram media
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// ParseEndpoint validates an IP literal and a port in 1..65535
func ParseEndpoint(ip, port string) (Endpoint, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return Endpoint{}, errors.Wrapf(ErrInvalidEndpoint, "address %q", ip)
	}
	if addr.IsUnspecified() || addr.IsMulticast() {
		return Endpoint{}, errors.Wrapf(ErrInvalidEndpoint, "address %s cannot receive a stream", addr)
	}
	p, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
	if err != nil || p == 0 {
		return Endpoint{}, errors.Wrapf(ErrInvalidEndpoint, "port %q", port)
	}
	return Endpoint{Addr: addr.Unmap(), Port: uint16(p)}, nil
}

func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid() && e.Port != 0
}

func (e Endpoint) String() string {
	if !e.IsValid() {
		return ""
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}
