package discovery

import (
	"net"
	"strings"
)

func listenPortOnly(listenAddr string) string {
	// returns ":12345"
	_, port, err := net.SplitHostPort(listenAddr)
	if err == nil && port != "" {
		return ":" + port
	}
	return listenAddr
}

func normalizeListenFromPong(sender *net.UDPAddr, listen string) string {
	// if listen is ":port", join with sender IP
	if strings.HasPrefix(listen, ":") && sender != nil && sender.IP != nil {
		return net.JoinHostPort(sender.IP.String(), strings.TrimPrefix(listen, ":"))
	}
	return listen
}

// broadcastOf computes ip | ^mask for an IPv4 network.
func broadcastOf(ip4 net.IP, mask net.IPMask) (net.IP, bool) {
	if len(ip4) != 4 || len(mask) != 4 {
		return nil, false
	}
	return net.IPv4(
		ip4[0]|^mask[0],
		ip4[1]|^mask[1],
		ip4[2]|^mask[2],
		ip4[3]|^mask[3],
	), true
}
