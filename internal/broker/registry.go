package broker

import (
	"time"

	"github.com/mqttbroker/lighthouse-server/internal/mqtt"
)

// DeleteFlag controls how Registry.Delete treats a client's session,
// generalizing the original core_t::delete_client deletion_flags.
type DeleteFlag int

const (
	// DeleteAuto keeps the session when the client's CleanSession
	// flag was false, and discards it otherwise.
	DeleteAuto DeleteFlag = iota
	// DeleteFull always discards the session regardless of
	// CleanSession, used when a second client connects with the same
	// ID and must fully displace the first.
	DeleteFull
	// DeleteKeepSession always preserves the session even if
	// CleanSession was true. The dispatcher does not pass it: an
	// abnormal disconnect (socket error, keep-alive timeout) uses
	// DeleteAuto like a graceful one.
	DeleteKeepSession
)

// Session holds everything that survives a clean reconnect for a
// persistent client: its subscriptions and the bookkeeping for
// in-flight QoS 1/2 deliveries. It generalizes the original
// prototype's session struct in core.h.
type Session struct {
	Subscriptions map[string]byte // topic filter -> granted max QoS
	IDs           *IDPool

	// UnregPuback/UnregPubrec/UnregPubrel/UnregPubcomp track in-flight
	// packet ids this session is waiting to hear back about, keyed by
	// packet id. UnregPuback is a plain set. In the other three the
	// byte value is a resend counter; only UnregPubrel's is ever
	// incremented (each time a duplicate QoS 2 PUBLISH makes the broker
	// send PUBREC again), since the broker never retransmits PUBLISH or
	// PUBREL.
	UnregPuback  map[uint16]struct{}
	UnregPubrec  map[uint16]uint8
	UnregPubrel  map[uint16]uint8
	UnregPubcomp map[uint16]uint8

	// SavedMessages holds QoS>0 publishes that arrived while this
	// client was offline, queued here until it reconnects.
	SavedMessages []SavedMessage
}

// SavedMessage is a publish queued for later delivery to an offline
// persistent-session client.
type SavedMessage struct {
	Packet   *mqtt.PublishPacket
	PacketID uint16
}

func newSession() *Session {
	return &Session{
		Subscriptions: make(map[string]byte),
		IDs:           NewIDPool(),
		UnregPuback:   make(map[uint16]struct{}),
		UnregPubrec:   make(map[uint16]uint8),
		UnregPubrel:   make(map[uint16]uint8),
		UnregPubcomp:  make(map[uint16]uint8),
	}
}

// Client is one connected (or, for a persistent session, formerly
// connected) MQTT client.
type Client struct {
	ID              string
	Active          bool
	CleanSession    bool
	Will            *mqtt.PublishPacket
	Username        string
	HasUsername     bool
	Password        []byte
	HasPassword     bool
	KeepAlive       uint16
	Conn            *Connection
	Session         *Session
	ConnectedAt     time.Time
	ProtocolVersion byte
}

// Registry tracks every known client, indexed both by connection
// identity (for routing an inbound frame to its owning client) and by
// client ID (for CONNECT's duplicate-ID and session-resume handling),
// generalizing core_t's two private maps in the original prototype.
// Registry is not safe for concurrent use: every method runs on the
// single dispatcher goroutine, exactly like the C++ core's
// single-threaded access.
type Registry struct {
	byConn map[*Connection]*Client
	byID   map[string]*Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[*Connection]*Client),
		byID:   make(map[string]*Client),
	}
}

// FindByConn returns the client owning conn, or nil.
func (r *Registry) FindByConn(conn *Connection) *Client {
	return r.byConn[conn]
}

// FindByID returns the client with the given ID, or nil.
func (r *Registry) FindByID(id string) *Client {
	return r.byID[id]
}

// AddNew registers a brand new client (no prior session) on conn and
// indexes it by both connection and ID.
func (r *Registry) AddNew(id string, conn *Connection) *Client {
	c := &Client{
		ID:          id,
		Active:      true,
		Conn:        conn,
		Session:     newSession(),
		ConnectedAt: connectedAtNow(),
	}
	r.byConn[conn] = c
	r.byID[id] = c
	return c
}

// Restore re-attaches an existing (session-present) client to a new
// connection, replacing its old Conn and marking it active again. The
// caller is responsible for having already closed/displaced any prior
// connection for this client.
func (r *Registry) Restore(c *Client, conn *Connection) {
	delete(r.byConn, c.Conn)
	c.Conn = conn
	c.Active = true
	c.ConnectedAt = connectedAtNow()
	r.byConn[conn] = c
}

// Rekey moves a client's connection-keyed index entry, used when a
// client with the same ID takes over a still-active registration from
// another socket (mirrors the "different peer, active" branch of the
// original handle_connect); an inactive session is rebound with
// Restore instead.
func (r *Registry) Rekey(c *Client, oldConn, newConn *Connection) {
	delete(r.byConn, oldConn)
	c.Conn = newConn
	r.byConn[newConn] = c
}

// Delete removes a client per flag, generalizing
// core_t::delete_client's deletion_flags.
func (r *Registry) Delete(c *Client, flag DeleteFlag) {
	delete(r.byConn, c.Conn)
	keepSession := false
	switch flag {
	case DeleteKeepSession:
		keepSession = true
	case DeleteFull:
		keepSession = false
	case DeleteAuto:
		keepSession = !c.CleanSession
	}
	if keepSession {
		c.Active = false
		c.Conn = nil
		return
	}
	delete(r.byID, c.ID)
}

// connectedAtNow exists only so ConnectedAt assignment has one call
// site; wall-clock time is metrics/audit-only per SPEC_FULL.md and is
// never consulted for protocol decisions.
func connectedAtNow() time.Time {
	return time.Now()
}
