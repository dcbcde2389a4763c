// =============================================================================
// 文件: internal/protocol/protocol_test.go
// =============================================================================

package protocol

import (
	"bytes"
	"errors"
	"net/netip"
	"reflect"
	"testing"
)

var (
	testAddr4 = netip.MustParseAddrPort("192.168.1.10:19132")
	testAddr6 = netip.MustParseAddrPort("[2001:db8::1]:19133")
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"ConnectedPing", &ConnectedPing{Timestamp: 123456789}},
		{"ConnectedPong", &ConnectedPong{PingTimestamp: 1, PongTimestamp: -2}},
		{"UnconnectedPing", &UnconnectedPing{Timestamp: 42, ClientGUID: 0xdeadbeefcafebabe}},
		{"UnconnectedPingOpenConnections", &UnconnectedPing{OpenConnections: true, Timestamp: 7, ClientGUID: 9}},
		{"UnconnectedPong", &UnconnectedPong{Timestamp: 42, ServerGUID: 1, Data: "MCPE;Dedicated Server;11;1.0;0;10;"}},
		{"OpenConnectionRequest1", &OpenConnectionRequest1{Protocol: ProtocolVersion, MTU: 1200}},
		{"OpenConnectionReply1", &OpenConnectionReply1{ServerGUID: 5, MTU: 1200}},
		{"OpenConnectionReply1Cookie", &OpenConnectionReply1{ServerGUID: 5, Security: true, Cookie: 0x01020304, MTU: 576}},
		{"OpenConnectionRequest2", &OpenConnectionRequest2{ServerAddress: testAddr4, MTU: 1492, ClientGUID: 77}},
		{"OpenConnectionReply2", &OpenConnectionReply2{ServerGUID: 8, ClientAddress: testAddr6, MTU: 400}},
		{"ConnectionRequest", &ConnectionRequest{ClientGUID: 77, Timestamp: 1000}},
		{"ConnectionRequestAccepted", &ConnectionRequestAccepted{
			ClientAddress:     testAddr4,
			SystemAddresses:   SystemAddresses(testAddr4),
			RequestTimestamp:  1000,
			AcceptedTimestamp: 1001,
		}},
		{"NewIncomingConnection", &NewIncomingConnection{
			ServerAddress:     testAddr6,
			InternalAddresses: SystemAddresses(testAddr6),
			RequestTimestamp:  1001,
			AcceptedTimestamp: 1002,
		}},
		{"AlreadyConnected", &AlreadyConnected{ServerGUID: 3}},
		{"NoFreeIncomingConnections", &NoFreeIncomingConnections{ServerGUID: 4}},
		{"Disconnect", &Disconnect{}},
		{"IncompatibleProtocolVersion", &IncompatibleProtocolVersion{Protocol: ProtocolVersion, ServerGUID: 6}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := Encode(tc.msg)
			if data[0] != tc.msg.ID() {
				t.Fatalf("ID 不匹配: got 0x%02x, want 0x%02x", data[0], tc.msg.ID())
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if !reflect.DeepEqual(got, tc.msg) {
				t.Errorf("往返不一致:\n got  %+v\n want %+v", got, tc.msg)
			}
		})
	}
}

func TestTruncatedMessages(t *testing.T) {
	msgs := []Message{
		&UnconnectedPing{Timestamp: 1, ClientGUID: 2},
		&OpenConnectionRequest2{ServerAddress: testAddr6, MTU: 1000, ClientGUID: 3},
		&OpenConnectionReply2{ServerGUID: 1, ClientAddress: testAddr4, MTU: 1000},
		&ConnectionRequest{ClientGUID: 1, Timestamp: 2},
		&ConnectedPong{PingTimestamp: 1, PongTimestamp: 2},
	}
	for _, m := range msgs {
		data := Encode(m)
		for n := 0; n < len(data); n++ {
			_, err := Decode(data[:n])
			if !errors.Is(err, ErrMalformedPacket) {
				t.Fatalf("0x%02x 截断到 %d 字节: err = %v, want ErrMalformedPacket", m.ID(), n, err)
			}
		}
	}
}

func TestOpenConnectionRequest1Padding(t *testing.T) {
	for _, mtu := range []uint16{MinMTU, 576, 1000, 1200, MaxMTU} {
		data := Encode(&OpenConnectionRequest1{Protocol: ProtocolVersion, MTU: mtu})
		if len(data) != int(mtu)-UDPHeaderSize {
			t.Errorf("MTU %d: 报文长度 = %d, want %d", mtu, len(data), int(mtu)-UDPHeaderSize)
		}
		var req OpenConnectionRequest1
		if err := DecodeInto(data, &req); err != nil {
			t.Fatalf("MTU %d: 解码失败: %v", mtu, err)
		}
		if req.MTU != mtu {
			t.Errorf("MTU 不匹配: got %d, want %d", req.MTU, mtu)
		}
	}

	t.Run("无填充", func(t *testing.T) {
		w := NewWriter(32)
		w.WriteUint8(IDOpenConnectionRequest1)
		w.WriteMagic()
		w.WriteUint8(ProtocolVersion)
		var req OpenConnectionRequest1
		if err := DecodeInto(w.Bytes(), &req); err != nil {
			t.Fatalf("填充解码不应失败: %v", err)
		}
		if want := uint16(w.Len() + UDPHeaderSize); req.MTU != want {
			t.Errorf("MTU = %d, want %d", req.MTU, want)
		}
	})
}

func TestBadMagic(t *testing.T) {
	data := Encode(&UnconnectedPing{Timestamp: 1, ClientGUID: 2})
	data[10] ^= 0xff
	_, err := Decode(data)
	if !errors.Is(err, ErrInvalidMagic) || !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestUnknownMessage(t *testing.T) {
	_, err := Decode([]byte{0x7f, 1, 2, 3})
	if !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestConnectionRequestAcceptedAddressCount(t *testing.T) {
	for _, n := range []int{1, 10, 20} {
		addrs := make([]netip.AddrPort, n)
		for i := range addrs {
			addrs[i] = netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), uint16(i))
		}
		m := &ConnectionRequestAccepted{ClientAddress: testAddr4, SystemAddresses: addrs, RequestTimestamp: 5, AcceptedTimestamp: 6}
		got, err := Decode(Encode(m))
		if err != nil {
			t.Fatalf("%d 个地址: 解码失败: %v", n, err)
		}
		acc := got.(*ConnectionRequestAccepted)
		if len(acc.SystemAddresses) != n {
			t.Errorf("地址数量 = %d, want %d", len(acc.SystemAddresses), n)
		}
		if acc.AcceptedTimestamp != 6 {
			t.Errorf("AcceptedTimestamp = %d, want 6", acc.AcceptedTimestamp)
		}
	}
}

func TestAddressEncoding(t *testing.T) {
	t.Run("IPv4 取反", func(t *testing.T) {
		w := NewWriter(8)
		w.WriteAddress(netip.MustParseAddrPort("127.0.0.1:19132"))
		want := []byte{4, 0x80, 0xff, 0xff, 0xfe, 0x4a, 0xbc}
		if !bytes.Equal(w.Bytes(), want) {
			t.Errorf("编码 = %x, want %x", w.Bytes(), want)
		}
	})

	for _, a := range []netip.AddrPort{testAddr4, testAddr6, ZeroAddress} {
		w := NewWriter(32)
		w.WriteAddress(a)
		if w.Len() != AddressSize(a) {
			t.Errorf("%s: 长度 = %d, want %d", a, w.Len(), AddressSize(a))
		}
		got, err := NewReader(w.Bytes()).ReadAddress()
		if err != nil {
			t.Fatalf("%s: 解码失败: %v", a, err)
		}
		if got != a {
			t.Errorf("地址不匹配: got %s, want %s", got, a)
		}
	}

	if _, err := NewReader([]byte{5, 1, 2}).ReadAddress(); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("未知版本: err = %v", err)
	}
}

func TestVarInts(t *testing.T) {
	w := NewWriter(64)
	w.WriteVarUint32(0xFFFFFFFF)
	w.WriteVarInt32(-2147483648)
	w.WriteVarUint64(1 << 63)
	w.WriteVarInt64(-1)
	w.WriteVarString("hello")

	r := NewReader(w.Bytes())
	if v, err := r.ReadVarUint32(); err != nil || v != 0xFFFFFFFF {
		t.Errorf("VarUint32 = %d, %v", v, err)
	}
	if v, err := r.ReadVarInt32(); err != nil || v != -2147483648 {
		t.Errorf("VarInt32 = %d, %v", v, err)
	}
	if v, err := r.ReadVarUint64(); err != nil || v != 1<<63 {
		t.Errorf("VarUint64 = %d, %v", v, err)
	}
	if v, err := r.ReadVarInt64(); err != nil || v != -1 {
		t.Errorf("VarInt64 = %d, %v", v, err)
	}
	if s, err := r.ReadVarString(); err != nil || s != "hello" {
		t.Errorf("VarString = %q, %v", s, err)
	}

	over := NewWriter(16)
	over.WriteVarUint64(1 << 40)
	if _, err := NewReader(over.Bytes()).ReadVarUint32(); !errors.Is(err, ErrVarIntOverflow) {
		t.Errorf("溢出: err = %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 100)
	cases := []struct {
		name  string
		frame Frame
	}{
		{"不可靠", Frame{Reliability: Unreliable, Payload: payload}},
		{"不可靠序列", Frame{Reliability: UnreliableSequenced, SequenceIndex: 9, OrderIndex: 3, OrderChannel: 31, Payload: payload}},
		{"可靠最大序号", Frame{Reliability: Reliable, ReliableIndex: Uint24Mask, Payload: payload}},
		{"可靠有序", Frame{Reliability: ReliableOrdered, ReliableIndex: 1, OrderIndex: Uint24Mask, OrderChannel: 2, Payload: payload}},
		{"可靠序列", Frame{Reliability: ReliableSequenced, ReliableIndex: 1, SequenceIndex: 2, OrderIndex: 3, Payload: payload}},
		{"最大分片数", Frame{
			Reliability: ReliableOrderedWithAckReceipt, ReliableIndex: 4, OrderIndex: 5,
			SplitCount: 0xFFFFFFFF, SplitID: 0xFFFF, SplitIndex: 0xFFFFFFFE, Payload: payload,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWriter(256)
			tc.frame.Encode(w)
			if w.Len() != tc.frame.Size() {
				t.Errorf("Size = %d, 实际 %d", tc.frame.Size(), w.Len())
			}
			got, err := ReadFrame(NewReader(w.Bytes()))
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if !reflect.DeepEqual(got, tc.frame) {
				t.Errorf("往返不一致:\n got  %+v\n want %+v", got, tc.frame)
			}
		})
	}
}

func TestFrameMalformed(t *testing.T) {
	t.Run("分片索引越界", func(t *testing.T) {
		f := Frame{Reliability: Reliable, SplitCount: 2, SplitIndex: 2, Payload: []byte{1}}
		w := NewWriter(32)
		f.Encode(w)
		if _, err := ReadFrame(NewReader(w.Bytes())); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("err = %v, want ErrMalformedPacket", err)
		}
	})

	t.Run("负载截断", func(t *testing.T) {
		f := Frame{Reliability: Reliable, Payload: make([]byte, 50)}
		w := NewWriter(64)
		f.Encode(w)
		if _, err := ReadFrame(NewReader(w.Bytes()[:w.Len()-1])); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("err = %v, want ErrMalformedPacket", err)
		}
	})
}

func TestDatagramRoundTrip(t *testing.T) {
	multi := []Frame{
		{Reliability: ReliableOrdered, ReliableIndex: 10, OrderIndex: 2, Payload: []byte("hello")},
		{Reliability: Reliable, ReliableIndex: 11, Payload: []byte("world")},
	}
	d, err := DecodeDatagram(EncodeDatagram(7, multi))
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if d.Sequence != 7 || !reflect.DeepEqual(d.Frames, multi) {
		t.Errorf("多帧往返不一致: %+v", d)
	}

	for _, mtu := range []int{MinMTU, MaxMTU} {
		body := make([]byte, mtu-UDPHeaderSize-DatagramHeaderSize-FrameHeaderSize(Reliable, false))
		frames := []Frame{{Reliability: Reliable, ReliableIndex: Uint24Mask, Payload: body}}

		data := EncodeDatagram(Uint24Mask, frames)
		if len(data) != mtu-UDPHeaderSize {
			t.Errorf("MTU %d: 数据报长度 = %d, want %d", mtu, len(data), mtu-UDPHeaderSize)
		}
		if !IsOnline(data) || IsAck(data) || IsNak(data) {
			t.Fatalf("标志位错误: 0x%02x", data[0])
		}
		d, err := DecodeDatagram(data)
		if err != nil {
			t.Fatalf("MTU %d: 解码失败: %v", mtu, err)
		}
		if d.Sequence != Uint24Mask {
			t.Errorf("Sequence = %d, want %d", d.Sequence, Uint24Mask)
		}
		if !reflect.DeepEqual(d.Frames, frames) {
			t.Errorf("MTU %d: 帧不一致", mtu)
		}
	}
}

func TestAckRanges(t *testing.T) {
	records := Ranges([]uint32{8, 1, 2, 3, 5, 7, 8, 2})
	want := []AckRecord{{1, 3}, {5, 5}, {7, 8}}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("Ranges = %v, want %v", records, want)
	}

	for _, flag := range []byte{FlagAck, FlagNak} {
		out := EncodeAcks(flag, records, MaxMTU)
		if len(out) != 1 {
			t.Fatalf("数据报数量 = %d, want 1", len(out))
		}
		if flag == FlagAck && !IsAck(out[0]) || flag == FlagNak && !IsNak(out[0]) {
			t.Errorf("标志位错误: 0x%02x", out[0][0])
		}
		got, err := DecodeAck(out[0])
		if err != nil {
			t.Fatalf("解码失败: %v", err)
		}
		if !reflect.DeepEqual(got, records) {
			t.Errorf("记录不一致: got %v, want %v", got, records)
		}
	}

	t.Run("按 MTU 切分", func(t *testing.T) {
		var seqs []uint32
		for i := uint32(0); i < 400; i++ {
			seqs = append(seqs, i*2)
		}
		out := EncodeAcks(FlagAck, Ranges(seqs), MinMTU)
		total := 0
		for _, b := range out {
			if len(b) > MinMTU-UDPHeaderSize {
				t.Errorf("ACK 数据报超出 MTU: %d", len(b))
			}
			got, err := DecodeAck(b)
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			total += len(got)
		}
		if total != 400 {
			t.Errorf("记录总数 = %d, want 400", total)
		}
	})

	t.Run("倒置区间", func(t *testing.T) {
		w := NewWriter(16)
		w.WriteUint8(FlagValid | FlagAck)
		w.WriteUint16(1)
		w.WriteBool(false)
		w.WriteUint24(10)
		w.WriteUint24(5)
		if _, err := DecodeAck(w.Bytes()); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("err = %v, want ErrMalformedPacket", err)
		}
	})

	t.Run("伪造计数", func(t *testing.T) {
		if _, err := DecodeAck([]byte{FlagValid | FlagAck, 0xff, 0xff, 1, 0, 0, 0}); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("err = %v, want ErrMalformedPacket", err)
		}
	})
}

func TestUint24Arithmetic(t *testing.T) {
	cases := []struct {
		a, b uint32
		want int32
	}{
		{5, 3, 2},
		{3, 5, -2},
		{0, Uint24Mask, 1},
		{Uint24Mask, 0, -1},
		{1 << 22, 0, 1 << 22},
	}
	for _, tc := range cases {
		if got := Uint24Diff(tc.a, tc.b); got != tc.want {
			t.Errorf("Uint24Diff(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
	if Uint24Add(Uint24Mask, 1) != 0 {
		t.Errorf("Uint24Add 未回绕")
	}
	if !Uint24Less(Uint24Mask, 0) {
		t.Errorf("Uint24Less(max, 0) 应为 true")
	}
}

func TestReliabilityFlags(t *testing.T) {
	for r := Unreliable; r <= ReliableOrderedWithAckReceipt; r++ {
		parsed, err := ParseReliability(r.String())
		if err != nil || parsed != r {
			t.Errorf("ParseReliability(%q) = %v, %v", r.String(), parsed, err)
		}
	}
	if Reliability(8).Valid() {
		t.Errorf("8 不应合法")
	}
	if UnreliableWithAckReceipt.IsReliable() {
		t.Errorf("UnreliableWithAckReceipt 不应可靠")
	}
	if !UnreliableSequenced.IsOrdered() || UnreliableSequenced.IsOrderExclusive() {
		t.Errorf("UnreliableSequenced 排序标志错误")
	}
}
