// Package discovery finds peers on the local network over UDP broadcast.
// Each node periodically announces itself on the discovery port and listens
// for announcements from others, surfacing them as Sighting events.
//
// Discovery is a hint source only: a sighting says "something at this address
// claims to be this peer". Trust is established later by the transport
// handshake, never here.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentmesh/identity"
)

// dedupCacheSize bounds the sighting dedup cache; entries also expire by TTL.
const dedupCacheSize = 512

// inboundRate caps processed announcements per second; a broadcast storm
// beyond this is dropped before JSON decoding.
const inboundRate = 64

// Announcement is the JSON datagram broadcast on the discovery port.
type Announcement struct {
	PeerID          identity.PeerID `json:"peer_id"`
	DisplayName     string          `json:"display_name"`
	ListenAddr      string          `json:"listen_addr"`
	ProtocolVersion int             `json:"protocol_version"`
}

// Sighting is a deduplicated announcement from another node.
type Sighting struct {
	PeerID          identity.PeerID
	DisplayName     string
	Addr            string
	ProtocolVersion int
	ObservedAt      time.Time
}

// Config carries the discovery service parameters.
type Config struct {
	// Self is announced in outgoing datagrams and filtered from incoming ones.
	Self Announcement
	// Port is the UDP port announcements are sent to and received on.
	Port int
	// Interval between announcements.
	Interval time.Duration
	// DedupTTL is how long a peer's repeated announcements are suppressed
	// after a sighting has been emitted for it.
	DedupTTL time.Duration
}

// Service announces this node and listens for announcements from peers.
type Service struct {
	cfg       Config
	logger    *zap.Logger
	seen      *lru.LRU[identity.PeerID, struct{}]
	limiter   *rate.Limiter
	sightings chan Sighting

	mu       sync.Mutex
	listener *net.UDPConn
	done     chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a discovery service. Call Start to begin announcing/listening.
func New(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "discovery")),
		seen:      lru.NewLRU[identity.PeerID, struct{}](dedupCacheSize, nil, cfg.DedupTTL),
		limiter:   rate.NewLimiter(rate.Limit(inboundRate), inboundRate),
		sightings: make(chan Sighting, 32),
	}
}

// Sightings returns the channel sightings are delivered on. The channel is
// closed when the service stops.
func (s *Service) Sightings() <-chan Sighting {
	return s.sightings
}

// Start binds the listener and launches the announce and receive loops.
// A bind failure is not fatal: the node keeps running on bootstrap peers
// alone, and the failure is logged once.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.done = make(chan struct{})

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
	if err != nil {
		s.logger.Warn("discovery listen failed, running without peer discovery",
			zap.Int("port", s.cfg.Port),
			zap.Error(err))
	} else {
		s.listener = listener
		s.wg.Add(1)
		go s.receiveLoop(ctx, listener)
	}

	s.wg.Add(1)
	go s.announceLoop(ctx)
}

// Stop terminates both loops and closes the sightings channel.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.done == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.sightings)
}

// broadcastPacketConn opens a UDP socket with SO_BROADCAST set. The kernel
// rejects sends to the broadcast address on sockets without it, so every
// announcement would fail with EACCES.
func broadcastPacketConn(ctx context.Context) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(ctx, "udp4", ":0")
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	payload, err := json.Marshal(s.cfg.Self)
	if err != nil {
		s.logger.Error("encode announcement", zap.Error(err))
		return
	}

	conn, err := broadcastPacketConn(ctx)
	if err != nil {
		s.logger.Warn("discovery announce socket failed, announcements disabled",
			zap.Error(err))
		return
	}
	defer conn.Close()
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.Port}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.send(conn, payload, dst)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.send(conn, payload, dst)
		}
	}
}

func (s *Service) send(conn net.PacketConn, payload []byte, dst net.Addr) {
	if _, err := conn.WriteTo(payload, dst); err != nil {
		// Transient on flaky networks; the next tick retries.
		s.logger.Debug("announce send failed", zap.Error(err))
	}
}

func (s *Service) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			case <-s.done:
			default:
				s.logger.Warn("discovery receive failed", zap.Error(err))
			}
			return
		}
		if !s.limiter.Allow() {
			continue
		}
		s.handleDatagram(buf[:n], src)
	}
}

func (s *Service) handleDatagram(data []byte, src *net.UDPAddr) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		s.logger.Debug("dropping malformed announcement",
			zap.String("src", src.String()),
			zap.Error(err))
		return
	}
	if ann.PeerID == "" || ann.PeerID == s.cfg.Self.PeerID {
		return
	}
	// Within the TTL, repeated announcements from the same peer collapse
	// into the first sighting.
	if _, dup := s.seen.Get(ann.PeerID); dup {
		return
	}
	s.seen.Add(ann.PeerID, struct{}{})

	addr := ann.ListenAddr
	if addr == "" {
		addr = src.IP.String()
	} else if host, port, err := net.SplitHostPort(ann.ListenAddr); err == nil {
		// An announcement bound to the wildcard address is reachable at the
		// datagram's source IP.
		if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
			addr = net.JoinHostPort(src.IP.String(), port)
		}
	}

	sighting := Sighting{
		PeerID:          ann.PeerID,
		DisplayName:     ann.DisplayName,
		Addr:            addr,
		ProtocolVersion: ann.ProtocolVersion,
		ObservedAt:      time.Now(),
	}
	select {
	case s.sightings <- sighting:
	default:
		s.logger.Debug("sighting channel full, dropping",
			zap.String("peer_id", string(ann.PeerID)))
	}
}

// LocalAddr returns the bound listener address, or an error when the bind
// failed at Start.
func (s *Service) LocalAddr() (*net.UDPAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil, fmt.Errorf("discovery listener not bound")
	}
	return s.listener.LocalAddr().(*net.UDPAddr), nil
}
