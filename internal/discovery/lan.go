package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// LANConfig controls LAN discovery behavior.
type LANConfig struct {
	Port    int
	Timeout time.Duration
	// Cloud scopes discovery: responders only answer pings for the same
	// cloud name.
	Cloud string
}

const (
	DefaultLANPort    = 42043
	DefaultLANTimeout = 1 * time.Second
	DefaultCloud      = "global"
)

// DefaultLANConfig returns the default settings for LAN discovery.
func DefaultLANConfig() LANConfig {
	return LANConfig{
		Port:    DefaultLANPort,
		Timeout: DefaultLANTimeout,
		Cloud:   DefaultCloud,
	}
}

// lanMessage is the discovery message format.
type lanMessage struct {
	Type   string `json:"type"`  // "ping" or "pong"
	Cloud  string `json:"cloud"` // DRT cloud name
	Name   string `json:"name"`  // node key prefix (optional)
	Listen string `json:"listen"`
}

func reuseControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	if network == "udp4" || network == "udp" {
		ctrlErr = c.Control(func(fd uintptr) {
			// Allow multiple sockets to bind the same addr:port.
			_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			// SO_REUSEPORT is not available everywhere, but it's fine if it fails.
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
	}
	return ctrlErr
}

func broadcastControl(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
}

// StartLANResponder listens for LAN discovery pings for cfg.Cloud and
// replies with a pong containing this node's listen address. It runs until
// ctx is cancelled.
func StartLANResponder(ctx context.Context, cfg LANConfig, listenAddr, name string) error {
	lc := net.ListenConfig{Control: reuseControl}

	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("lan responder listen: %w", err)
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("lan responder: not a UDPConn")
	}

	go func() {
		defer udpConn.Close()

		buf := make([]byte, 1024)

		for {
			if ctx.Err() != nil {
				return
			}

			_ = udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				continue
			}

			var msg lanMessage
			if err := json.Unmarshal(buf[:n], &msg); err != nil {
				continue
			}
			if msg.Type != "ping" || msg.Cloud != cfg.Cloud {
				continue
			}

			resp := lanMessage{
				Type:   "pong",
				Cloud:  cfg.Cloud,
				Name:   name,
				Listen: listenPortOnly(listenAddr),
			}
			data, _ := json.Marshal(resp)
			_, _ = udpConn.WriteToUDP(data, addr)
		}
	}()

	return nil
}

// DiscoverLANPeers broadcasts a ping for cfg.Cloud on the LAN and returns
// any listen addresses reported by peers that respond within cfg.Timeout
// or before ctx is done.
func DiscoverLANPeers(ctx context.Context, cfg LANConfig, listenAddr, name string) ([]string, error) {
	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("lan discover listen: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("lan discover: not a UDPConn")
	}
	defer conn.Close()

	ping := lanMessage{
		Type:   "ping",
		Cloud:  cfg.Cloud,
		Name:   name,
		Listen: listenAddr,
	}
	data, _ := json.Marshal(ping)

	targets := interfaceBroadcastAddrs(cfg.Port)
	if len(targets) == 0 {
		// fall back to limited broadcast
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port})
	}
	sent := 0
	for _, dst := range targets {
		if _, err := conn.WriteToUDP(data, dst); err == nil {
			sent++
		}
	}

	loop := &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: cfg.Port,
	}
	if _, err := conn.WriteToUDP(data, loop); err == nil {
		sent++
	}
	if sent == 0 {
		return nil, fmt.Errorf("lan discover: no ping could be sent")
	}

	// Collect replies for up to Timeout, or less if ctx expires first.
	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("lan discover set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	buf := make([]byte, 1024)

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}

		var msg lanMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		if msg.Type != "pong" || msg.Cloud != cfg.Cloud {
			continue
		}
		full := normalizeListenFromPong(from, msg.Listen)
		if full == "" || full == listenAddr {
			continue
		}
		if _, exists := seen[full]; exists {
			continue
		}
		seen[full] = struct{}{}
		out = append(out, full)
	}

	return out, nil
}

func interfaceBroadcastAddrs(port int) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, 8)

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}

	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 {
			continue
		}
		if it.Flags&net.FlagPointToPoint != 0 {
			continue
		}

		addrs, err := it.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			b, ok := broadcastOf(ip4, ipnet.Mask)
			if !ok {
				continue
			}
			out = append(out, &net.UDPAddr{IP: b, Port: port})
		}
	}
	return out
}
