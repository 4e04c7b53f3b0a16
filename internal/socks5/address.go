// Package socks5 implements the RFC 1928 SOCKS5 request/reply grammar this
// tunnel's local endpoint speaks to its clients. The destination address
// codec it exposes (DecodeAddr/EncodeAddr) is also the wire format the v3
// handshake uses for ATYP||DST.ADDR||DST.PORT, so internal/wire imports it
// rather than re-implementing address parsing.
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Address types (ATYP), per RFC 1928 §5.
const (
	AddrTypeIPv4   byte = 0x01
	AddrTypeDomain byte = 0x03
	AddrTypeIPv6   byte = 0x04
)

// ErrUnknownAddrType is returned by DecodeAddr when ATYP is not one of the
// three known values.
var ErrUnknownAddrType = fmt.Errorf("socks5: unknown address type")

// Addr is a parsed destination: either a textual domain name or a literal
// IP, plus a port. Host is always the value to hand to net.Dial — a
// domain name or a net.IP.String() result.
type Addr struct {
	Type byte
	Host string
	Port uint16
}

// String renders the address the way net.JoinHostPort would.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// DecodeAddr reads ATYP followed by the ATYP-dependent address body and a
// big-endian port from r: 4 bytes for IPv4, a length-prefixed name for
// DOMAINNAME, 16 bytes for IPv6. It returns ErrUnknownAddrType for any
// other ATYP value.
func DecodeAddr(r io.Reader) (Addr, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Addr{}, err
	}

	var a Addr
	a.Type = atyp[0]

	switch a.Type {
	case AddrTypeIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Addr{}, err
		}
		a.Host = net.IP(buf).String()

	case AddrTypeDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return Addr{}, err
		}
		name := make([]byte, lenByte[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return Addr{}, err
		}
		a.Host = string(name)

	case AddrTypeIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Addr{}, err
		}
		a.Host = net.IP(buf).String()

	default:
		return Addr{}, ErrUnknownAddrType
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return Addr{}, err
	}
	a.Port = binary.BigEndian.Uint16(portBuf[:])

	return a, nil
}

// EncodeAddr renders host/port as ATYP||DST.ADDR||DST.PORT. host that
// parses as an IPv4 or IPv6 literal is encoded as such; anything else is
// encoded as DOMAINNAME (and must be at most 255 bytes).
func EncodeAddr(host string, port uint16) ([]byte, error) {
	var buf []byte

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			buf = make([]byte, 1+4+2)
			buf[0] = AddrTypeIPv4
			copy(buf[1:], v4)
		} else {
			buf = make([]byte, 1+16+2)
			buf[0] = AddrTypeIPv6
			copy(buf[1:], ip.To16())
		}
	} else {
		if len(host) > 255 {
			return nil, fmt.Errorf("socks5: domain name too long: %d bytes", len(host))
		}
		buf = make([]byte, 1+1+len(host)+2)
		buf[0] = AddrTypeDomain
		buf[1] = byte(len(host))
		copy(buf[2:], host)
	}

	binary.BigEndian.PutUint16(buf[len(buf)-2:], port)
	return buf, nil
}
