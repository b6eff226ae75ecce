package helpers

import (
	"net"
	"strings"
)

// AnonymizeIP masks a client address before it reaches the logs: the last
// IPv4 octet, or everything past the first two IPv6 groups. Only the
// masked form may ever be logged.
func AnonymizeIP(remoteAddr string) string {
	if remoteAddr == "" {
		return "unknown"
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "invalid-ip"
	}

	if v4 := ip.To4(); v4 != nil {
		idx := strings.LastIndex(v4.String(), ".")
		return v4.String()[:idx+1] + "xxx"
	}

	groups := strings.Split(ip.String(), ":")
	if len(groups) < 2 {
		return "invalid-ip"
	}
	return groups[0] + ":" + groups[1] + ":xxxx"
}
