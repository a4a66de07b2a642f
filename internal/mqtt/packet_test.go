package mqtt

import (
	"bytes"
	"testing"
)

func TestEncodeRemainingLength(t *testing.T) {
	cases := []struct {
		length int
		want   []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}
	for _, c := range cases {
		got, err := EncodeRemainingLength(c.length)
		if err != nil {
			t.Fatalf("EncodeRemainingLength(%d): %v", c.length, err)
		}
		if !bytes.Equal(got, c.want) {
			t.Errorf("EncodeRemainingLength(%d) = % x, want % x", c.length, got, c.want)
		}
	}
}

func TestEncodeRemainingLengthOutOfRange(t *testing.T) {
	if _, err := EncodeRemainingLength(268435456); err == nil {
		t.Fatal("expected error encoding a too-large remaining length")
	}
	if _, err := EncodeRemainingLength(-1); err == nil {
		t.Fatal("expected error encoding a negative remaining length")
	}
}

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152} {
		body := make([]byte, length)
		encoded, err := frame(byte(PUBLISH)<<4, body)
		if err != nil {
			t.Fatalf("frame(%d): %v", length, err)
		}
		fh, err := ReadFixedHeader(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("ReadFixedHeader: %v", err)
		}
		if fh.RemainingLen != length {
			t.Errorf("round trip length = %d, want %d", fh.RemainingLen, length)
		}
	}
}

func TestConnectPacketRoundTrip(t *testing.T) {
	p := &ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: 4,
		CleanSession:    true,
		WillFlag:        true,
		WillQoS:         1,
		WillRetain:      false,
		UsernameFlag:    true,
		PasswordFlag:    true,
		KeepAlive:       60,
		ClientID:        "client-1",
		WillTopic:       "clients/client-1/status",
		WillMessage:     []byte("offline"),
		Username:        "alice",
		Password:        []byte("s3cret"),
	}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fh, err := ReadFixedHeader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadFixedHeader: %v", err)
	}
	if fh.PacketType != CONNECT {
		t.Fatalf("packet type = %v, want CONNECT", fh.PacketType)
	}
	body := encoded[len(encoded)-fh.RemainingLen:]
	got, err := DecodeConnectPacket(bytes.NewReader(body), fh.RemainingLen)
	if err != nil {
		t.Fatalf("DecodeConnectPacket: %v", err)
	}
	if got.ClientID != p.ClientID || got.Username != p.Username || string(got.Password) != string(p.Password) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.WillTopic != p.WillTopic || string(got.WillMessage) != string(p.WillMessage) {
		t.Fatalf("will round trip mismatch: %+v", got)
	}
	if !got.CleanSession || !got.WillFlag || got.WillQoS != 1 {
		t.Fatalf("flags round trip mismatch: %+v", got)
	}
}

func TestPublishPacketRoundTrip(t *testing.T) {
	p := &PublishPacket{
		Dup:      false,
		QoS:      1,
		Retain:   true,
		Topic:    "sensors/temp",
		PacketID: 42,
		Payload:  []byte("21.5"),
	}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fh, err := ReadFixedHeader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadFixedHeader: %v", err)
	}
	body := encoded[len(encoded)-fh.RemainingLen:]
	got, err := DecodePublishPacket(bytes.NewReader(body), fh)
	if err != nil {
		t.Fatalf("DecodePublishPacket: %v", err)
	}
	if got.Topic != p.Topic || got.PacketID != p.PacketID || string(got.Payload) != string(p.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.QoS != 1 || !got.Retain || got.Dup {
		t.Fatalf("flag round trip mismatch: %+v", got)
	}
}

func TestPublishPacketQoS0HasNoPacketID(t *testing.T) {
	p := &PublishPacket{Topic: "a", Payload: []byte("x")}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// fixed header(1) + remaining length(1) + topic len(2) + "a"(1) + payload(1)
	if len(encoded) != 6 {
		t.Fatalf("unexpected length %d for QoS 0 PUBLISH: % x", len(encoded), encoded)
	}
}

func TestPubrelWireByteIsAlways0x62(t *testing.T) {
	p := &PubrelPacket{PacketID: 7}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoded[0] != 0x62 {
		t.Fatalf("PUBREL first byte = %#x, want 0x62", encoded[0])
	}
}

func TestSubscribePacketRoundTrip(t *testing.T) {
	p := &SubscribePacket{
		PacketID: 9,
		Topics: []Subscription{
			{Topic: "a/b", QoS: 0},
			{Topic: "c/+/d", QoS: 2},
		},
	}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fh, err := ReadFixedHeader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadFixedHeader: %v", err)
	}
	body := encoded[len(encoded)-fh.RemainingLen:]
	got, err := DecodeSubscribePacket(bytes.NewReader(body), fh.RemainingLen)
	if err != nil {
		t.Fatalf("DecodeSubscribePacket: %v", err)
	}
	if got.PacketID != p.PacketID || len(got.Topics) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Topics[1].Topic != "c/+/d" || got.Topics[1].QoS != 2 {
		t.Fatalf("subscription round trip mismatch: %+v", got.Topics[1])
	}
}

func TestUnsubscribePacketRoundTrip(t *testing.T) {
	p := &UnsubscribePacket{PacketID: 3, Topics: []string{"a/b", "c/d"}}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fh, err := ReadFixedHeader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadFixedHeader: %v", err)
	}
	body := encoded[len(encoded)-fh.RemainingLen:]
	got, err := DecodeUnsubscribePacket(bytes.NewReader(body), fh.RemainingLen)
	if err != nil {
		t.Fatalf("DecodeUnsubscribePacket: %v", err)
	}
	if len(got.Topics) != 2 || got.Topics[0] != "a/b" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestAckPacketsRoundTrip(t *testing.T) {
	puback := &PubackPacket{PacketID: 1}
	encoded, _ := puback.Encode()
	got, err := DecodePubackPacket(bytes.NewReader(encoded[2:]))
	if err != nil || got.PacketID != 1 {
		t.Fatalf("PUBACK round trip failed: %+v, %v", got, err)
	}

	pubrec := &PubrecPacket{PacketID: 2}
	encoded, _ = pubrec.Encode()
	gotRec, err := DecodePubrecPacket(bytes.NewReader(encoded[2:]))
	if err != nil || gotRec.PacketID != 2 {
		t.Fatalf("PUBREC round trip failed: %+v, %v", gotRec, err)
	}

	pubcomp := &PubcompPacket{PacketID: 3}
	encoded, _ = pubcomp.Encode()
	gotComp, err := DecodePubcompPacket(bytes.NewReader(encoded[2:]))
	if err != nil || gotComp.PacketID != 3 {
		t.Fatalf("PUBCOMP round trip failed: %+v, %v", gotComp, err)
	}

	unsuback := &UnsubackPacket{PacketID: 4}
	encoded, _ = unsuback.Encode()
	gotUnsuback, err := DecodeUnsubackPacket(bytes.NewReader(encoded[2:]))
	if err != nil || gotUnsuback.PacketID != 4 {
		t.Fatalf("UNSUBACK round trip failed: %+v, %v", gotUnsuback, err)
	}
}

func TestReadFixedHeaderRejectsOverlongRemainingLength(t *testing.T) {
	// The remaining length is at most four bytes, so four bytes that
	// all carry the continuation bit are malformed (MQTT-1.5.3).
	buf := []byte{byte(PUBLISH) << 4, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadFixedHeader(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for overlong remaining length")
	}
}

func TestStringRoundTrip(t *testing.T) {
	encoded := WriteString("hello/world")
	got, err := ReadString(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "hello/world" {
		t.Fatalf("got %q", got)
	}
}
