package sip

import (
	"net"

	"github.com/emiago/sipgo/sip"
)

// Load balancers in front of the cluster record the first hop they saw the
// request from in these headers. They beat the observed source address when
// patching a NATed Contact.
const (
	balancerAddrHeader = "X-Sip-Balancer-InitialRemoteAddr"
	balancerPortHeader = "X-Sip-Balancer-InitialRemotePort"
)

// hostNeedsPatch reports whether a URI host is unusable as a routing target:
// a private or loopback address, or a name that does not resolve. Endpoints
// behind NAT advertise exactly these in their Contact headers.
func hostNeedsPatch(host string) bool {
	if host == "" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified()
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return true
	}
	return false
}

// patchSource resolves the address a NATed Contact should be rewritten to.
// Balancer headers win over the observed transport source.
func patchSource(req *sip.Request, sourceIP string, sourcePort int) (string, int) {
	host, port := sourceIP, sourcePort
	if h := req.GetHeader(balancerAddrHeader); h != nil && h.Value() != "" {
		host = h.Value()
	}
	if h := req.GetHeader(balancerPortHeader); h != nil && h.Value() != "" {
		if p := parsePort(h.Value()); p > 0 {
			port = p
		}
	}
	return host, port
}

// patchURI rewrites the host and port of a URI in place with the given
// observed address. Zero port is left alone so the default applies.
func patchURI(uri *sip.Uri, host string, port int) {
	if host != "" {
		uri.Host = host
	}
	if port > 0 {
		uri.Port = port
	}
}

// maybePatchContact rewrites a Contact address when it points somewhere we
// could never reach back: behind NAT, at loopback, or at an unresolvable name.
func maybePatchContact(req *sip.Request, contact *sip.ContactHeader, sourceIP string, sourcePort int) bool {
	if contact == nil || contact.Address.Wildcard {
		return false
	}
	if !hostNeedsPatch(contact.Address.Host) {
		return false
	}
	host, port := patchSource(req, sourceIP, sourcePort)
	patchURI(&contact.Address, host, port)
	return true
}

func parsePort(s string) int {
	port := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		port = port*10 + int(c-'0')
		if port > 65535 {
			return 0
		}
	}
	return port
}
