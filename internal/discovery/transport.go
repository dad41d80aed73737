package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/venomlabs/venom-mesh/internal/cluster"
	"github.com/venomlabs/venom-mesh/internal/logger"
)

// ErrTransportBind is returned when the multicast socket cannot be bound or
// the group cannot be joined. The daemon cannot run without it.
var ErrTransportBind = errors.New("multicast transport bind failed")

// PacketConn is the datagram transport used by the announcer and listener.
type PacketConn interface {
	// Send delivers b to the discovery group.
	Send(b []byte) error
	// ReadFrom blocks for the next datagram and returns its source address.
	ReadFrom(buf []byte) (int, net.IP, error)
	// Close leaves the group and releases the socket.
	Close() error
}

// TransportConfig describes the multicast group to use.
type TransportConfig struct {
	Group     string
	Port      int
	TTL       int
	Interface string
	Loopback  bool
}

// Transport is a UDP socket joined to an IPv4 multicast group.
type Transport struct {
	group  *net.UDPAddr
	conn   net.PacketConn
	pc     *ipv4.PacketConn
	joined []*net.Interface
	logger logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open binds the discovery port and joins the group. Failures wrap
// ErrTransportBind.
func Open(ctx context.Context, cfg TransportConfig, log logger.Logger) (*Transport, error) {
	groupIP := net.ParseIP(cfg.Group).To4()
	if groupIP == nil || !groupIP.IsMulticast() {
		return nil, fmt.Errorf("%w: %q is not an IPv4 multicast group", ErrTransportBind, cfg.Group)
	}
	group := &net.UDPAddr{IP: groupIP, Port: cfg.Port}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: listen on port %d: %v", ErrTransportBind, cfg.Port, err)
	}

	t := &Transport{
		group:  group,
		conn:   conn,
		pc:     ipv4.NewPacketConn(conn),
		logger: log,
	}

	if err := t.join(cfg.Interface); err != nil {
		conn.Close()
		return nil, err
	}

	if err := t.pc.SetMulticastTTL(cfg.TTL); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: set ttl: %v", ErrTransportBind, err)
	}
	if err := t.pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		log.Warn("Could not set multicast loopback to %v: %v", cfg.Loopback, err)
	}

	log.Info("Joined multicast group %s on %d interface(s), ttl %d", group, len(t.joined), cfg.TTL)
	return t, nil
}

// join joins the group on the named interface, or on every multicast capable
// interface when name is empty.
func (t *Transport) join(name string) error {
	gaddr := &net.UDPAddr{IP: t.group.IP}

	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return fmt.Errorf("%w: interface %s: %v", ErrTransportBind, name, err)
		}
		if err := t.pc.JoinGroup(ifi, gaddr); err != nil {
			return fmt.Errorf("%w: join %s on %s: %v", ErrTransportBind, t.group.IP, name, err)
		}
		if err := t.pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("%w: set multicast interface %s: %v", ErrTransportBind, name, err)
		}
		t.joined = append(t.joined, ifi)
		return nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("%w: list interfaces: %v", ErrTransportBind, err)
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := t.pc.JoinGroup(ifi, gaddr); err != nil {
			t.logger.Debug("Skipping interface %s for multicast: %v", ifi.Name, err)
			continue
		}
		t.joined = append(t.joined, ifi)
	}
	if len(t.joined) > 0 {
		t.pickOutgoing()
		return nil
	}

	// let the kernel pick via the default route
	if err := t.pc.JoinGroup(nil, gaddr); err != nil {
		return fmt.Errorf("%w: join %s: %v", ErrTransportBind, t.group.IP, err)
	}
	t.joined = append(t.joined, nil)
	return nil
}

// pickOutgoing sends announcements out of the interface carrying the best
// mesh address instead of whatever the default route points at.
func (t *Transport) pickOutgoing() {
	ifi, ip := cluster.PreferredInterface(t.joined, func(ifi *net.Interface) ([]net.Addr, error) {
		return ifi.Addrs()
	})
	if ifi == nil {
		t.logger.Debug("No interface with a usable IPv4 address, kernel picks the outgoing route")
		return
	}
	if err := t.pc.SetMulticastInterface(ifi); err != nil {
		t.logger.Warn("Failed to send multicast via %s: %v", ifi.Name, err)
		return
	}
	t.logger.Info("Sending announcements via %s (%s)", ifi.Name, ip)
}

// Send implements PacketConn.
func (t *Transport) Send(b []byte) error {
	_, err := t.pc.WriteTo(b, nil, t.group)
	return err
}

// ReadFrom implements PacketConn.
func (t *Transport) ReadFrom(buf []byte) (int, net.IP, error) {
	n, _, src, err := t.pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, err
	}
	var ip net.IP
	if udp, ok := src.(*net.UDPAddr); ok {
		ip = udp.IP
	}
	return n, ip, nil
}

// Close implements PacketConn. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		gaddr := &net.UDPAddr{IP: t.group.IP}
		for _, ifi := range t.joined {
			if err := t.pc.LeaveGroup(ifi, gaddr); err != nil {
				t.logger.Debug("Leaving multicast group: %v", err)
			}
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
