package broker

import (
	"strconv"
	"time"

	"github.com/mqttbroker/lighthouse-server/internal/audit"
	"github.com/mqttbroker/lighthouse-server/internal/metrics"
	"github.com/mqttbroker/lighthouse-server/internal/mqtt"
	"github.com/mqttbroker/lighthouse-server/internal/topic"
	"go.uber.org/zap"
)

// dispatch routes one decoded packet to its handler. It is the direct
// generalization of the original broker prototype's on_message
// switch in server.cpp, and it is the only place that touches the
// registry and trie, so neither needs a lock.
func (s *Server) dispatch(conn *Connection, pkt mqtt.Packet) {
	metrics.MessagesReceived.WithLabelValues(pkt.Type().String()).Inc()

	client := s.registry.FindByConn(conn)
	if client == nil && pkt.Type() != mqtt.CONNECT {
		// Every other packet type requires a prior CONNECT on this
		// connection; a client that skips straight to, say, PUBLISH is
		// protocol error MQTT-3.1.0-1.
		conn.closeConnection(errProtocolViolation)
		return
	}

	switch p := pkt.(type) {
	case *mqtt.ConnectPacket:
		s.handleConnect(conn, p)
	case *mqtt.PublishPacket:
		s.handlePublish(client, p)
	case *mqtt.PubackPacket:
		s.handlePuback(client, p)
	case *mqtt.PubrecPacket:
		s.handlePubrec(client, p)
	case *mqtt.PubrelPacket:
		s.handlePubrel(client, p)
	case *mqtt.PubcompPacket:
		s.handlePubcomp(client, p)
	case *mqtt.SubscribePacket:
		s.handleSubscribe(client, p)
	case *mqtt.UnsubscribePacket:
		s.handleUnsubscribe(client, p)
	case *mqtt.PingreqPacket:
		s.handlePingreq(client)
	case *mqtt.DisconnectPacket:
		s.handleDisconnect(client)
	}
}

var errProtocolViolation = errProtocolViolationErr("broker: packet received before CONNECT")

type errProtocolViolationErr string

func (e errProtocolViolationErr) Error() string { return string(e) }

// handleConnect implements the original prototype's handle_connect:
// double-CONNECT-on-the-same-socket, a second client reconnecting
// with an ID that is already active elsewhere, and ordinary
// first-time or session-resuming connects are all distinguished here.
func (s *Server) handleConnect(conn *Connection, p *mqtt.ConnectPacket) {
	if len(p.ClientID) == 0 && !p.CleanSession {
		// MQTT-3.1.3-8: a server MAY reject an empty client id when
		// CleanSession is 0; this broker always does, since it has no
		// way to persist state across reconnects for an identity it
		// can't look back up.
		sendConnackAndClose(conn, 2) // Identifier Rejected
		return
	}

	if !s.acceptHook(p.ClientID, p.Username, string(p.Password)) {
		sendConnackAndClose(conn, 5) // Not Authorized
		return
	}

	existing := s.registry.FindByID(p.ClientID)
	if existing != nil && existing.Conn == conn {
		// A second CONNECT on the same socket is itself a protocol
		// violation (MQTT-3.1.0-2): publish the will, then drop it,
		// exactly like on_client_disconnect on a malformed stream.
		s.publishWill(existing)
		s.registry.Delete(existing, DeleteFull)
		conn.closeConnection(errProtocolViolation)
		return
	}
	// Same client ID reconnecting from a different socket while the
	// old one is still live: the old connection loses, exactly as in
	// the original handle_connect. What becomes of its session is
	// decided below by the same CleanSession rule that governs an
	// inactive, merely-stored session, so an active takeover and a
	// resumed disconnected session behave identically.
	var oldConn *Connection
	if existing != nil && existing.Active {
		s.publishWill(existing)
		oldConn = existing.Conn
		existing.Will = nil
		existing.HasUsername, existing.HasPassword = false, false
	}

	sessionPresent := false
	var client *Client
	switch {
	case existing != nil && p.CleanSession:
		s.purgeSession(existing)
		s.registry.Delete(existing, DeleteFull)
		client = s.registry.AddNew(p.ClientID, conn)
	case existing != nil && existing.Active:
		s.registry.Rekey(existing, oldConn, conn)
		client = existing
		sessionPresent = true
	case existing != nil:
		s.registry.Restore(existing, conn)
		client = existing
		sessionPresent = true
	default:
		client = s.registry.AddNew(p.ClientID, conn)
	}

	if oldConn != nil {
		oldConn.closeConnection(nil)
	}

	client.CleanSession = p.CleanSession
	client.KeepAlive = p.KeepAlive
	client.Username = p.Username
	client.HasUsername = p.UsernameFlag
	client.Password = p.Password
	client.HasPassword = p.PasswordFlag
	client.ProtocolVersion = p.ProtocolVersion
	if p.WillFlag {
		client.Will = &mqtt.PublishPacket{
			QoS:     p.WillQoS,
			Retain:  p.WillRetain,
			Topic:   p.WillTopic,
			Payload: p.WillMessage,
		}
	} else {
		client.Will = nil
	}

	conn.state.Store(int32(stateConnected))
	conn.armKeepAlive(p.KeepAlive)
	metrics.ClientsConnected.Inc()
	s.recordAudit(audit.Event{Kind: audit.EventConnect, ClientID: p.ClientID})

	_ = conn.Send(&mqtt.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: 0})

	if sessionPresent {
		s.redeliverSavedMessages(client)
	}
}

func sendConnackAndClose(conn *Connection, code byte) {
	_ = conn.Send(&mqtt.ConnackPacket{ReturnCode: code})
	conn.closeConnection(nil)
}

// purgeSession discards a client's subscription state entirely,
// removing it from every topic it was subscribed to.
func (s *Server) purgeSession(c *Client) {
	for filter := range c.Session.Subscriptions {
		s.unsubscribeOne(c.ID, filter)
	}
}

// redeliverSavedMessages flushes the messages a persistent session
// accumulated while its client was offline, re-registering each
// packet id in the appropriate unreg map just like the original
// handle_connect's TODO-resolved session-resume branch.
func (s *Server) redeliverSavedMessages(c *Client) {
	saved := c.Session.SavedMessages
	c.Session.SavedMessages = nil
	for _, m := range saved {
		switch m.Packet.QoS {
		case 1:
			c.Session.UnregPuback[m.PacketID] = struct{}{}
		case 2:
			c.Session.UnregPubrec[m.PacketID] = 0
		}
		_ = c.Conn.Send(m.Packet)
	}
}

// handleSubscribe implements handle_subscribe: grant the requested
// QoS capped at the server's configured maximum, register the
// subscription either in the trie (literal filters) or the wildcard
// subscription table (filters containing + or #), then deliver any
// retained messages that already match.
func (s *Server) handleSubscribe(c *Client, p *mqtt.SubscribePacket) {
	codes := make([]byte, len(p.Topics))
	var toDeliver []*topic.Topic

	for i, sub := range p.Topics {
		qos := sub.QoS
		if qos > s.cfg.QoS.MaxQoS {
			qos = s.cfg.QoS.MaxQoS
		}
		codes[i] = qos
		c.Session.Subscriptions[sub.Topic] = qos

		if topic.HasWildcard(sub.Topic) {
			m, ok := s.wildcardSubs[sub.Topic]
			if !ok {
				m = make(map[string]byte)
				s.wildcardSubs[sub.Topic] = m
			}
			m[c.ID] = qos
			toDeliver = append(toDeliver, s.trie.Match(sub.Topic)...)
		} else {
			tp := s.trie.GetOrCreate(sub.Topic)
			tp.Subscribe(c.ID, qos)
			if tp.Retained != nil {
				toDeliver = append(toDeliver, tp)
			}
		}
	}
	metrics.SubscriptionsActive.Add(float64(len(p.Topics)))

	_ = c.Conn.Send(&mqtt.SubackPacket{PacketID: p.PacketID, ReturnCodes: codes})

	// Retained delivery happens after the SUBACK, matching the
	// original prototype's ordering.
	for _, tp := range toDeliver {
		qos := tp.Subscribers[c.ID]
		if tp.RetainQoS < qos {
			qos = tp.RetainQoS
		}
		s.deliverTo(c, &mqtt.PublishPacket{
			QoS:     qos,
			Retain:  true,
			Topic:   tp.Name,
			Payload: tp.Retained,
		})
	}
}

// handleUnsubscribe implements handle_unsubscribe: remove the client
// from each named filter, pruning the trie node if it ends up with no
// subscribers and no retained message.
func (s *Server) handleUnsubscribe(c *Client, p *mqtt.UnsubscribePacket) {
	for _, filter := range p.Topics {
		delete(c.Session.Subscriptions, filter)
		s.unsubscribeOne(c.ID, filter)
	}
	metrics.SubscriptionsActive.Sub(float64(len(p.Topics)))
	_ = c.Conn.Send(&mqtt.UnsubackPacket{PacketID: p.PacketID})
}

func (s *Server) unsubscribeOne(clientID, filter string) {
	if topic.HasWildcard(filter) {
		if m, ok := s.wildcardSubs[filter]; ok {
			delete(m, clientID)
			if len(m) == 0 {
				delete(s.wildcardSubs, filter)
			}
		}
		return
	}
	tp := s.trie.Find(filter)
	if tp == nil {
		return
	}
	if empty := tp.Unsubscribe(clientID); empty {
		s.trie.Erase(filter)
	}
}

// handlePublish implements handle_publish: QoS 2 de-duplication against
// UnregPubrel, routing through publishMsg, then the appropriate ack.
func (s *Server) handlePublish(c *Client, p *mqtt.PublishPacket) {
	if p.QoS == 2 {
		if dup, ok := c.Session.UnregPubrel[p.PacketID]; ok {
			// Already routed; the sender just didn't see our PUBREC.
			c.Session.UnregPubrel[p.PacketID] = dup + 1
			_ = c.Conn.Send(&mqtt.PubrecPacket{PacketID: p.PacketID})
			return
		}
	}

	s.publishMsg(p)
	s.recordAudit(audit.Event{Kind: audit.EventPublish, ClientID: c.ID, Topic: p.Topic})

	switch p.QoS {
	case 1:
		_ = c.Conn.Send(&mqtt.PubackPacket{PacketID: p.PacketID})
	case 2:
		c.Session.UnregPubrel[p.PacketID] = 0
		_ = c.Conn.Send(&mqtt.PubrecPacket{PacketID: p.PacketID})
	}
}

// publishMsg implements the core router, publish_msg: store/clear
// retain, then deliver to every subscriber of the exact topic plus
// every wildcard filter that matches it.
func (s *Server) publishMsg(p *mqtt.PublishPacket) {
	if p.Retain {
		tp := s.trie.GetOrCreate(p.Topic)
		hadRetained := tp.Retained != nil
		if len(p.Payload) == 0 {
			tp.Retained = nil
			if hadRetained {
				metrics.RetainedMessages.Dec()
			}
		} else {
			tp.Retained = p.Payload
			tp.RetainQoS = p.QoS
			if !hadRetained {
				metrics.RetainedMessages.Inc()
			}
		}
	}

	delivered := make(map[string]struct{})

	if tp := s.trie.Find(p.Topic); tp != nil {
		for clientID, maxQoS := range tp.Subscribers {
			s.routeTo(clientID, maxQoS, p)
			delivered[clientID] = struct{}{}
		}
	}
	for filter, subs := range s.wildcardSubs {
		if !topic.MatchesFilter(filter, p.Topic) {
			continue
		}
		for clientID, maxQoS := range subs {
			if _, ok := delivered[clientID]; ok {
				continue
			}
			s.routeTo(clientID, maxQoS, p)
			delivered[clientID] = struct{}{}
		}
	}
}

// routeTo delivers p to clientID at min(maxQoS, p.QoS), generalizing
// the per-subscriber loop in publish_msg. Unlike the original
// prototype, the outbound packet id is allocated from the
// *subscriber's own* session pool rather than a single process-global
// counter (spec.md's Open Question #1).
func (s *Server) routeTo(clientID string, maxQoS byte, p *mqtt.PublishPacket) {
	c := s.registry.FindByID(clientID)
	if c == nil {
		return
	}
	qos := maxQoS
	if p.QoS < qos {
		qos = p.QoS
	}
	out := &mqtt.PublishPacket{QoS: qos, Retain: false, Topic: p.Topic, Payload: p.Payload}

	if !c.Active {
		if qos == 0 && !s.cfg.Limits.RetainedMessages {
			return // nothing to queue for an offline QoS 0 subscriber
		}
		if qos > 0 {
			id, ok := c.Session.IDs.Alloc()
			if !ok {
				return
			}
			out.PacketID = id
			c.Session.SavedMessages = append(c.Session.SavedMessages, SavedMessage{Packet: out, PacketID: id})
		}
		return
	}

	s.deliverTo(c, out)
}

// deliverTo sends out to an active client, allocating a packet id
// from its own session pool and registering it in the right unreg map
// when QoS > 0.
func (s *Server) deliverTo(c *Client, out *mqtt.PublishPacket) {
	if out.QoS > 0 {
		id, ok := c.Session.IDs.Alloc()
		if !ok {
			return
		}
		out.PacketID = id
		if out.QoS == 1 {
			c.Session.UnregPuback[id] = struct{}{}
		} else {
			c.Session.UnregPubrec[id] = 0
		}
	}
	if err := c.Conn.Send(out); err == nil {
		metrics.MessagesSent.WithLabelValues(mqtt.PUBLISH.String()).Inc()
		metrics.QoSMessagesInflight.WithLabelValues(strconv.Itoa(int(out.QoS))).Set(float64(c.Session.IDs.InUse()))
	}
}

func (s *Server) handlePuback(c *Client, p *mqtt.PubackPacket) {
	if _, ok := c.Session.UnregPuback[p.PacketID]; ok {
		delete(c.Session.UnregPuback, p.PacketID)
		c.Session.IDs.Release(p.PacketID)
	}
}

func (s *Server) handlePubrec(c *Client, p *mqtt.PubrecPacket) {
	if _, ok := c.Session.UnregPubrec[p.PacketID]; ok {
		delete(c.Session.UnregPubrec, p.PacketID)
		c.Session.UnregPubcomp[p.PacketID] = 0
		_ = c.Conn.Send(&mqtt.PubrelPacket{PacketID: p.PacketID})
	}
}

func (s *Server) handlePubrel(c *Client, p *mqtt.PubrelPacket) {
	delete(c.Session.UnregPubrel, p.PacketID)
	_ = c.Conn.Send(&mqtt.PubcompPacket{PacketID: p.PacketID})
}

func (s *Server) handlePubcomp(c *Client, p *mqtt.PubcompPacket) {
	if _, ok := c.Session.UnregPubcomp[p.PacketID]; ok {
		delete(c.Session.UnregPubcomp, p.PacketID)
		c.Session.IDs.Release(p.PacketID)
	}
}

func (s *Server) handlePingreq(c *Client) {
	_ = c.Conn.Send(&mqtt.PingrespPacket{})
}

func (s *Server) handleDisconnect(c *Client) {
	c.Will = nil // MQTT-3.1.2-10: a graceful DISCONNECT discards the will
	// Delete detaches c.Conn when the session is kept, so hold on to it.
	conn := c.Conn
	s.registry.Delete(c, DeleteAuto)
	metrics.ClientsConnected.Dec()
	s.recordAudit(audit.Event{Kind: audit.EventDisconnect, ClientID: c.ID})
	conn.closeConnection(nil)
}

// handleConnectionError is the dispatcher side of the unified close
// path: whatever closed the socket, publish the will if one is
// registered, then drop or preserve the session per DeleteAuto. After a
// graceful DISCONNECT the read loop's error still arrives here, but
// handleDisconnect has already removed the client, so nothing more
// happens.
func (s *Server) handleConnectionError(conn *Connection, reason error) {
	c := s.registry.FindByConn(conn)
	conn.closeConnection(reason)
	if c == nil {
		return
	}
	s.publishWill(c)
	metrics.ClientsConnected.Dec()
	s.recordAudit(audit.Event{Kind: audit.EventDisconnect, ClientID: c.ID})
	s.registry.Delete(c, DeleteAuto)
}

func (s *Server) publishWill(c *Client) {
	if c.Will == nil {
		return
	}
	will := c.Will
	c.Will = nil
	s.publishMsg(will)
}

func (s *Server) recordAudit(ev audit.Event) {
	if s.audit == nil {
		return
	}
	ev.Time = time.Now()
	if err := s.audit.Record(ev); err != nil {
		s.log.Debug("audit record failed", zap.Error(err))
	}
}
