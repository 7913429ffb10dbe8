// Package wol builds and emits Wake-on-LAN magic packets: 6 bytes of 0xFF
// followed by the target MAC repeated 16 times, sent as a single UDP
// datagram to the LAN broadcast address on port 9.
package wol

import (
	"fmt"
	"net"
)

// Port is the conventional discard port magic packets are sent to.
const Port = 9

// DefaultBroadcast is used when a machine has no broadcast address
// configured.
const DefaultBroadcast = "255.255.255.255"

// MagicPacket returns the 102-byte wake datagram for the given MAC.
func MagicPacket(mac net.HardwareAddr) []byte {
	packet := make([]byte, 0, 6+16*len(mac))
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, mac...)
	}
	return packet
}

// Wake sends a magic packet for macStr to broadcastIP on port 9. An empty
// broadcastIP falls back to the limited broadcast address.
func Wake(macStr, broadcastIP string) error {
	if broadcastIP == "" {
		broadcastIP = DefaultBroadcast
	}
	return SendTo(macStr, net.JoinHostPort(broadcastIP, fmt.Sprintf("%d", Port)))
}

// SendTo sends a magic packet for macStr to an explicit UDP address.
// Split out from Wake so tests can capture the datagram on a loopback port.
func SendTo(macStr, addr string) error {
	mac, err := net.ParseMAC(macStr)
	if err != nil {
		return fmt.Errorf("wol: parsing MAC %q: %w", macStr, err)
	}
	if len(mac) != 6 {
		return fmt.Errorf("wol: MAC %q is not a 6-byte EUI-48 address", macStr)
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("wol: resolving %q: %w", addr, err)
	}

	// DialUDP yields a datagram socket with SO_BROADCAST enabled, so the
	// limited broadcast address works without extra socket options.
	conn, err := net.DialUDP("udp4", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("wol: opening UDP socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(MagicPacket(mac)); err != nil {
		return fmt.Errorf("wol: sending magic packet: %w", err)
	}
	return nil
}
