// =============================================================================
// 文件: internal/protocol/address.go
// 描述: RakNet 地址编码 (IPv4 按位取反, IPv6 sockaddr_in6 布局)
// =============================================================================
package protocol

import (
	"fmt"
	"net/netip"
)

const (
	addrVersion4 = 4
	addrVersion6 = 6

	// afInet6 Windows 的 AF_INET6, RakNet 在线上固定写 23
	afInet6 = 23

	// AddressSize4 / AddressSize6 编码后长度
	AddressSize4 = 7
	AddressSize6 = 29
)

// ZeroAddress 占位系统地址
var ZeroAddress = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)

// AddressSize 返回地址编码长度
func AddressSize(a netip.AddrPort) int {
	if a.Addr().Unmap().Is4() || !a.IsValid() {
		return AddressSize4
	}
	return AddressSize6
}

// WriteAddress 写入地址, 无效地址按 0.0.0.0:0 处理
func (w *Writer) WriteAddress(a netip.AddrPort) {
	if !a.IsValid() {
		a = ZeroAddress
	}
	ip := a.Addr().Unmap()
	if ip.Is4() {
		w.WriteUint8(addrVersion4)
		b := ip.As4()
		for _, o := range b {
			w.WriteUint8(^o)
		}
		w.WriteUint16(a.Port())
		return
	}

	w.WriteUint8(addrVersion6)
	w.WriteUint16LE(afInet6)
	w.WriteUint16(a.Port())
	w.WriteUint32(0) // flow info
	b := ip.As16()
	w.WriteBytes(b[:])
	w.WriteUint32(0) // scope id
}

// ReadAddress 读取地址
func (r *Reader) ReadAddress() (netip.AddrPort, error) {
	ver, err := r.ReadUint8()
	if err != nil {
		return netip.AddrPort{}, err
	}

	switch ver {
	case addrVersion4:
		b, err := r.ReadBytes(4)
		if err != nil {
			return netip.AddrPort{}, err
		}
		port, err := r.ReadUint16()
		if err != nil {
			return netip.AddrPort{}, err
		}
		ip := netip.AddrFrom4([4]byte{^b[0], ^b[1], ^b[2], ^b[3]})
		return netip.AddrPortFrom(ip, port), nil

	case addrVersion6:
		if _, err := r.ReadUint16LE(); err != nil {
			return netip.AddrPort{}, err
		}
		port, err := r.ReadUint16()
		if err != nil {
			return netip.AddrPort{}, err
		}
		if _, err := r.ReadUint32(); err != nil {
			return netip.AddrPort{}, err
		}
		b, err := r.ReadBytes(16)
		if err != nil {
			return netip.AddrPort{}, err
		}
		if _, err := r.ReadUint32(); err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(b)), port), nil

	default:
		return netip.AddrPort{}, fmt.Errorf("%w: 未知地址版本 %d", ErrMalformedPacket, ver)
	}
}
