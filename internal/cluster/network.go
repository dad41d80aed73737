package cluster

import "net"

// isLinkLocal checks if an IP is a link-local address (169.254.x.x)
func isLinkLocal(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 169 && ip4[1] == 254
	}
	return false
}

// isLoopback checks if an IP is a loopback address (127.x.x.x)
func isLoopback(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 127
	}
	return false
}

// isPrivateNetwork checks if an IP is in private network ranges
func isPrivateNetwork(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		// 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16
		return ip4[0] == 10 ||
			(ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31) ||
			(ip4[0] == 192 && ip4[1] == 168)
	}
	return false
}

// SelectBestIP selects the most appropriate IP address for mesh communication.
// Prefers private network IPs, falls back to public IPs, and avoids link-local
// and loopback.
func SelectBestIP(addrs []net.Addr) net.IP {
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				if !isLinkLocal(ip4) && !isLoopback(ip4) && isPrivateNetwork(ip4) {
					return ip4
				}
			}
		}
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				if !isLinkLocal(ip4) && !isLoopback(ip4) {
					return ip4
				}
			}
		}
	}

	return nil
}

// UsableIPv4 returns the first IPv4 address in ips that is not link-local.
// Loopback is accepted so that nodes sharing a host can find each other.
func UsableIPv4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil && !isLinkLocal(ip4) {
			return ip4
		}
	}
	return nil
}

// PreferredInterface picks the interface whose addresses give the best mesh
// IP, preferring private networks. addrsOf is net.Interface.Addrs in
// production.
func PreferredInterface(ifaces []*net.Interface, addrsOf func(*net.Interface) ([]net.Addr, error)) (*net.Interface, net.IP) {
	var (
		fallback   *net.Interface
		fallbackIP net.IP
	)
	for _, ifi := range ifaces {
		if ifi == nil {
			continue
		}
		addrs, err := addrsOf(ifi)
		if err != nil {
			continue
		}
		ip := SelectBestIP(addrs)
		if ip == nil {
			continue
		}
		if isPrivateNetwork(ip) {
			return ifi, ip
		}
		if fallback == nil {
			fallback, fallbackIP = ifi, ip
		}
	}
	return fallback, fallbackIP
}
