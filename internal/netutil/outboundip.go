package netutil

import (
	"net"
)

// GetOutboundIP returns the local address the host uses for outbound traffic.
// No packet is sent.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	_ = conn.Close()

	return localAddr.IP, nil
}

// LocalIP returns the outbound IP as a string, or fallback if it cannot be determined
func LocalIP(fallback string) string {
	ip, err := GetOutboundIP()
	if err != nil || ip == nil {
		return fallback
	}
	return ip.String()
}
