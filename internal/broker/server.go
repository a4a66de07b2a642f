// Package broker implements the MQTT v3.1.1 single-node broker:
// connection engine, session/client registry, packet-ID pool, and the
// publish dispatcher that ties them together with the topic trie in
// package topic.
package broker

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttbroker/lighthouse-server/internal/audit"
	"github.com/mqttbroker/lighthouse-server/internal/config"
	"github.com/mqttbroker/lighthouse-server/internal/metrics"
	"github.com/mqttbroker/lighthouse-server/internal/topic"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// AcceptHook decides whether a CONNECT should be accepted, given the
// client ID and the (possibly absent) username/password it presented.
// The default implementation wired up by New honors
// config.AuthConfig.
type AcceptHook func(clientID, username, password string) bool

// DisconnectObserver is notified once a connection has finished
// tearing down, whatever the reason (graceful DISCONNECT, socket
// error, malformed frame, keep-alive timeout, or displacement by a
// new CONNECT for the same client ID). The default is a no-op; New
// callers that need to react to disconnects (e.g. to update an
// external presence table) override it with SetDisconnectObserver.
type DisconnectObserver func(conn *Connection)

// Server owns the listener, the shared write-strand worker pool, the
// single dispatcher goroutine, and every piece of broker state
// (registry + topic trie). Registry and trie mutation happens
// exclusively on the dispatcher goroutine; everything else
// (accepting, reading, writing) runs on its own goroutine and talks to
// the dispatcher only through the inbox.
type Server struct {
	cfg *config.Config
	log *zap.Logger

	listener net.Listener
	pool     *ants.Pool
	inbox    *inbox

	registry     *Registry
	trie         *topic.Trie
	wildcardSubs map[string]map[string]byte // filter -> clientID -> QoS

	audit              *audit.Journal
	acceptHook         AcceptHook
	disconnectObserver DisconnectObserver

	nextConnID atomic.Uint64
	wg         sync.WaitGroup
	closing    chan struct{}
	closeOnce  sync.Once
}

// New builds a Server from cfg. journal may be nil, in which case
// audit events are silently dropped (kept non-fatal so a misconfigured
// audit path never prevents the broker itself from starting).
func New(cfg *config.Config, log *zap.Logger, journal *audit.Journal) (*Server, error) {
	pool, err := ants.NewPool(cfg.Server.Workers)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:          cfg,
		log:          log,
		pool:         pool,
		inbox:        newInbox(cfg.Limits.MaxInflightMessages * 4),
		registry:     NewRegistry(),
		trie:         topic.New(),
		wildcardSubs: make(map[string]map[string]byte),
		audit:        journal,
		closing:      make(chan struct{}),
	}
	// connection IDs start at 10000, matching the original prototype's
	// net_connection numbering scheme.
	s.nextConnID.Store(9999)
	s.acceptHook = s.defaultAcceptHook
	s.disconnectObserver = func(*Connection) {}
	return s, nil
}

// SetAcceptHook overrides the default username/password gate, e.g. for
// tests or a custom auth backend.
func (s *Server) SetAcceptHook(hook AcceptHook) {
	s.acceptHook = hook
}

// SetDisconnectObserver overrides the default no-op disconnect
// notification, e.g. to clear an external presence table when a
// client goes away.
func (s *Server) SetDisconnectObserver(observer DisconnectObserver) {
	s.disconnectObserver = observer
}

func (s *Server) defaultAcceptHook(_, username, password string) bool {
	if !s.cfg.Auth.Enabled {
		return true
	}
	if s.cfg.Auth.AllowAnonymous && username == "" && password == "" {
		return true
	}
	return s.cfg.Auth.CheckCredentials(username, password)
}

// Start binds the listener, launches the accept loop and the single
// dispatcher goroutine, and blocks until Stop is called or the
// listener fails.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop()
	}()

	return s.acceptLoop()
}

// acceptLoop accepts connections with the same exponential backoff on
// temporary errors used by chenquan-lighthouse's ServeTCP, since a
// momentarily-exhausted file descriptor table shouldn't spin the
// accept loop at full speed.
func (s *Server) acceptLoop() error {
	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && (ne.Timeout() || ne.Temporary()) {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}
				if backoff > time.Second {
					backoff = time.Second
				}
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		id := s.nextConnID.Add(1)
		c := newConnection(id, conn, s)
		metrics.ConnectionsTotal.Inc()
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.writeLoop()
		}()
		go func() {
			defer s.wg.Done()
			c.readLoop()
		}()
	}
}

// dispatchLoop is the single consumer of the inbox; every packet and
// every synthetic error notification funnels through here, the Go
// equivalent of the original prototype's single-threaded on_message
// dispatch.
func (s *Server) dispatchLoop() {
	for {
		m, ok := s.inbox.pop()
		if !ok {
			return
		}
		if m.err != nil {
			s.handleConnectionError(m.conn, m.err)
			continue
		}
		s.dispatch(m.conn, m.packet)
	}
}

// Stop closes the listener and every live connection, then waits for
// the accept/read/write/dispatch goroutines to finish.
func (s *Server) Stop() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for _, c := range s.registry.byConn {
			c.Conn.closeConnection(nil)
		}
		s.inbox.close()
		s.pool.Release()
	})
	s.wg.Wait()
	return nil
}
