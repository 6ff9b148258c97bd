//go:build linux

package main

import (
	"encoding/binary"
	"net"
)

const (
	ethLen = 14
	ipLen  = 20
	udpLen = 8
	seqLen = 4

	minPacketLen = ethLen + ipLen + udpLen + seqLen
)

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// flow is the addressing of the generated UDP stream.
type flow struct {
	srcMAC, dstMAC   net.HardwareAddr
	srcIP, dstIP     net.IP
	srcPort, dstPort uint16
}

// buildUDPPacket writes an Ethernet/IPv4/UDP packet of pktSize bytes
// carrying seq to buf and returns its length.
func buildUDPPacket(buf []byte, f *flow, seq uint32, pktSize uint32) uint32 {
	pktSize = max(pktSize, minPacketLen)
	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], f.dstMAC)
	copy(buf[6:12], f.srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	clear(ip[:ipLen])
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], f.srcIP.To4())
	copy(ip[16:20], f.dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:ipLen]))

	udp := ip[ipLen:]
	binary.BigEndian.PutUint16(udp[0:], f.srcPort)
	binary.BigEndian.PutUint16(udp[2:], f.dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))
	binary.BigEndian.PutUint16(udp[6:], 0)

	binary.BigEndian.PutUint32(udp[udpLen:], seq)
	return pktSize
}

// parseSeq returns the sequence number of a packet of f as seen after
// the router rewrote its MACs to dstMAC and srcMAC. ok is false for
// foreign or corrupt packets.
func parseSeq(buf []byte, f *flow, dstMAC, srcMAC net.HardwareAddr) (seq uint32, ok bool) {
	if len(buf) < minPacketLen {
		return 0, false
	}
	if string(buf[0:6]) != string(dstMAC) ||
		string(buf[6:12]) != string(srcMAC) ||
		buf[12] != 0x08 || buf[13] != 0x00 {
		return 0, false
	}

	ip := buf[ethLen:]
	if ip[0]>>4 != 4 || ip[9] != 17 {
		return 0, false
	}
	if ipChecksum(ip[:ipLen]) != 0 {
		return 0, false
	}
	if !net.IP(ip[12:16]).Equal(f.srcIP) || !net.IP(ip[16:20]).Equal(f.dstIP) {
		return 0, false
	}

	udp := ip[ipLen:]
	if binary.BigEndian.Uint16(udp[0:2]) != f.srcPort ||
		binary.BigEndian.Uint16(udp[2:4]) != f.dstPort {
		return 0, false
	}
	return binary.BigEndian.Uint32(udp[udpLen:]), true
}
