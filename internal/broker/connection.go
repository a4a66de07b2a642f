package broker

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttbroker/lighthouse-server/internal/metrics"
	"github.com/mqttbroker/lighthouse-server/internal/mqtt"
	"go.uber.org/zap"
)

// connectMinSize is the smallest possible CONNECT packet body: 10
// bytes of variable header (protocol name + level + flags + keep
// alive) plus a 2-byte length prefix for a (possibly empty) client id.
const connectMinSize = 12

// connState tracks where a connection is in the read protocol: the
// first packet on the wire must be CONNECT, and nothing else is valid
// until it has been accepted.
type connState int32

const (
	stateAwaitingConnect connState = iota
	stateConnected
	stateClosed
)

// Connection wraps one accepted TCP socket. Its read side runs on a
// plain goroutine (one outstanding read at a time, same as the
// original prototype's single io_context read handler per socket);
// its write side is a buffered channel drained by a loop that submits
// each write onto the shared ants pool one at a time, which is what
// gives the connection its write-strand: only one write can be
// in-flight on the socket at once, matching asio's serialized post()
// calls in net_connection.h.
type Connection struct {
	id        uint64
	conn      net.Conn
	server    *Server
	log       *zap.Logger
	outbound  chan []byte
	state     atomic.Int32
	closeMu   sync.Mutex
	closed    bool
	keepAlive time.Duration
	timer     *time.Timer
}

func newConnection(id uint64, nc net.Conn, s *Server) *Connection {
	c := &Connection{
		id:       id,
		conn:     nc,
		server:   s,
		log:      s.log.With(zap.Uint64("conn", id), zap.String("remote", nc.RemoteAddr().String())),
		outbound: make(chan []byte, 64),
	}
	c.state.Store(int32(stateAwaitingConnect))
	return c
}

// Send enqueues packet for delivery, encoding it first. It never
// blocks the dispatcher: if the outbound buffer is full the
// connection is considered unresponsive and is closed, the same
// "slow consumer" treatment a bounded write queue forces on you.
func (c *Connection) Send(p mqtt.Packet) error {
	buf, err := p.Encode()
	if err != nil {
		return err
	}
	return c.sendRaw(buf)
}

func (c *Connection) sendRaw(buf []byte) error {
	select {
	case c.outbound <- buf:
		return nil
	default:
		c.log.Warn("outbound queue full, dropping slow connection")
		c.closeConnection(errSlowConsumer)
		return errSlowConsumer
	}
}

var errSlowConsumer = errors.New("broker: outbound queue full")

// writeLoop drains the outbound channel, routing each write through
// the shared worker pool so that no single connection can hold an
// entire pool worker idle while waiting on a slow client socket for
// longer than the single write call takes.
func (c *Connection) writeLoop() {
	for buf := range c.outbound {
		done := make(chan struct{})
		err := c.server.pool.Submit(func() {
			defer close(done)
			if _, werr := c.conn.Write(buf); werr != nil {
				c.log.Debug("write failed", zap.Error(werr))
				c.closeConnection(werr)
			} else {
				metrics.BytesSent.Add(float64(len(buf)))
			}
		})
		if err != nil {
			// Pool is full or closed; fall back to a direct write so a
			// burst of connections during shutdown can't wedge.
			if _, werr := c.conn.Write(buf); werr != nil {
				c.closeConnection(werr)
			} else {
				metrics.BytesSent.Add(float64(len(buf)))
			}
			close(done)
		}
		<-done
	}
}

// readLoop is the per-connection read goroutine. It decodes one frame
// at a time and pushes it onto the shared inbox for the dispatcher to
// process, enforcing the "first packet must be CONNECT" rule and the
// CONNECT minimum-size check from the original prototype's
// on_first_message.
func (c *Connection) readLoop() {
	first := true
	for {
		header, err := mqtt.ReadFixedHeader(c.conn)
		if err != nil {
			c.pushError(err)
			return
		}
		if first {
			if header.PacketType != mqtt.CONNECT || header.RemainingLen < connectMinSize {
				c.pushError(errMalformedFirstPacket)
				return
			}
			first = false
		}
		body := make([]byte, header.RemainingLen)
		if header.RemainingLen > 0 {
			if _, err := readFull(c.conn, body); err != nil {
				c.pushError(err)
				return
			}
		}
		metrics.BytesReceived.Add(float64(1 + varintLen(header.RemainingLen) + len(body)))
		pkt, err := decodeBody(header, body)
		if err == errUnknownPacketType {
			// Error kind 4 (spec.md §7): an unrecognized packet type is
			// logged and ignored, not treated as a malformed frame.
			c.log.Debug("ignoring unknown packet type", zap.Uint8("type", uint8(header.PacketType)))
			c.resetKeepAlive()
			continue
		}
		if err != nil {
			c.pushError(err)
			return
		}
		c.resetKeepAlive()
		c.server.inbox.push(ownedMessage{conn: c, packet: pkt})
		if c.state.Load() == int32(stateClosed) {
			return
		}
	}
}

var errMalformedFirstPacket = errors.New("broker: first packet must be a well-formed CONNECT")

// varintLen reports how many bytes the MQTT remaining-length varint
// encoding of n occupies, for metrics.BytesReceived accounting.
func varintLen(n int) int {
	l := 1
	for n >= 128 {
		n /= 128
		l++
	}
	return l
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// armKeepAlive starts the keep-alive watchdog at 1.5x the client's
// declared keep-alive interval, per MQTT-3.1.2-24. keepAlive == 0
// disables the watchdog (the client asked for no keep-alive).
func (c *Connection) armKeepAlive(seconds uint16) {
	if seconds == 0 {
		return
	}
	c.keepAlive = time.Duration(float64(seconds) * 1.5 * float64(time.Second))
	c.timer = time.AfterFunc(c.keepAlive, func() {
		c.pushError(errKeepAliveTimeout)
	})
}

var errKeepAliveTimeout = errors.New("broker: keep-alive timeout")

func (c *Connection) resetKeepAlive() {
	if c.timer != nil {
		c.timer.Reset(c.keepAlive)
	}
}

func (c *Connection) pushError(err error) {
	c.server.inbox.push(ownedMessage{conn: c, err: err})
}

// closeConnection is the single exit path for a connection: graceful
// DISCONNECT, a socket read/write error, a malformed frame, and a
// keep-alive timeout all end up here exactly once, unifying what the
// original prototype split between handle_disconnect, handle_error,
// and a synthetic ERROR owned-message.
func (c *Connection) closeConnection(reason error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.state.Store(int32(stateClosed))
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.outbound)
	_ = c.conn.Close()
	if reason != nil {
		c.log.Debug("connection closed", zap.Error(reason))
	}
	c.server.disconnectObserver(c)
}
