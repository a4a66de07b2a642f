package broker

import (
	"bytes"
	"errors"

	"github.com/mqttbroker/lighthouse-server/internal/mqtt"
)

// errUnknownPacketType is returned by decodeBody for a fixed-header
// type nibble this broker doesn't recognize. Per spec.md §7 error kind
// 4, this is logged and ignored rather than treated as a malformed
// frame that tears down the connection.
var errUnknownPacketType = errors.New("broker: unknown packet type")

// decodeBody dispatches on header.PacketType to the matching
// internal/mqtt decoder, generalizing the teacher's handleConnection
// switch statement into a single reusable function shared by the
// connection read loop and any future non-socket packet source (e.g.
// a future test harness feeding bytes directly).
func decodeBody(header *mqtt.FixedHeader, body []byte) (mqtt.Packet, error) {
	r := bytes.NewReader(body)
	switch header.PacketType {
	case mqtt.CONNECT:
		return mqtt.DecodeConnectPacket(r, header.RemainingLen)
	case mqtt.PUBLISH:
		return mqtt.DecodePublishPacket(r, header)
	case mqtt.PUBACK:
		return mqtt.DecodePubackPacket(r)
	case mqtt.PUBREC:
		return mqtt.DecodePubrecPacket(r)
	case mqtt.PUBREL:
		return mqtt.DecodePubrelPacket(r)
	case mqtt.PUBCOMP:
		return mqtt.DecodePubcompPacket(r)
	case mqtt.SUBSCRIBE:
		return mqtt.DecodeSubscribePacket(r, header.RemainingLen)
	case mqtt.UNSUBSCRIBE:
		return mqtt.DecodeUnsubscribePacket(r, header.RemainingLen)
	case mqtt.PINGREQ:
		return mqtt.DecodePingreqPacket()
	case mqtt.DISCONNECT:
		return mqtt.DecodeDisconnectPacket()
	default:
		return nil, errUnknownPacketType
	}
}
