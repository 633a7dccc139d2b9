package swarm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/orch-os/adapter-swarm/pkg/config"
	"github.com/orch-os/adapter-swarm/pkg/protocol"
)

const (
	ProtocolID         = "/adapter-swarm/1.0.0"
	DiscoveryNamespace = "adapter-swarm"
	ConnectionTimeout  = 10 * time.Second

	// discoveryFlushTimeout bounds the initial peer discovery pass when
	// joining a room.
	discoveryFlushTimeout = 5 * time.Second
)

// Peer is one live connection within the current room.
type Peer struct {
	ID            peer.ID
	LastHeartbeat time.Time

	stopHeartbeat chan struct{}
}

// Events receives membership notifications. Nil callbacks are skipped.
type Events struct {
	OnRoomJoined func(RoomInfo)
	OnRoomLeft   func(RoomInfo)
	OnPeerCount  func(int)
	OnMessage    func(from peer.ID, msg *protocol.Message)
}

// Manager owns room membership on the overlay: it joins and leaves discovery
// topics, tracks peer connections, runs heartbeats and the periodic health
// check, and drives reconnection with bounded backoff. At most one room is
// current at a time.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger
	events Events

	host      host.Host
	dht       *dht.IpfsDHT
	ps        *pubsub.PubSub
	discovery *drouting.RoutingDiscovery
	mdnsSvc   mdns.Service

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	initialized bool
	destroyed   bool
	state       RoomState
	room        *RoomInfo
	topic       *pubsub.Topic
	sub         *pubsub.Subscription
	subCancel   context.CancelFunc
	peers       map[peer.ID]*Peer
	attempts    int

	// pubsub handles superseded by a join-over-join, closed on the next
	// teardown
	stale []func()
}

func NewManager(cfg *config.Config, logger *zap.Logger, events Events) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		events: events,
		state:  StateDisconnected,
		peers:  make(map[peer.ID]*Peer),
	}
}

// Initialize brings up the libp2p host, DHT, pubsub and mDNS discovery.
// Calling it again after a successful initialization is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", m.cfg.ListenAddress, m.cfg.Port))
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(addr), libp2p.EnableNATService())
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())

	kad, err := dht.New(bgCtx, h,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(libp2pproto.ID(ProtocolID)),
	)
	if err != nil {
		cancel()
		h.Close()
		return fmt.Errorf("failed to initialize DHT: %w", err)
	}
	if err := kad.Bootstrap(bgCtx); err != nil {
		cancel()
		kad.Close()
		h.Close()
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	ps, err := pubsub.NewGossipSub(bgCtx, h)
	if err != nil {
		cancel()
		kad.Close()
		h.Close()
		return fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	m.mu.Lock()
	m.host = h
	m.dht = kad
	m.ps = ps
	m.discovery = drouting.NewRoutingDiscovery(kad)
	m.ctx = bgCtx
	m.cancel = cancel
	m.initialized = true
	m.destroyed = false
	m.mu.Unlock()

	h.SetStreamHandler(libp2pproto.ID(ProtocolID), m.handleStream)
	h.Network().Notify(m)

	svc := mdns.NewMdnsService(h, DiscoveryNamespace, m)
	if err := svc.Start(); err != nil {
		m.logger.Warn("mDNS discovery unavailable", zap.Error(err))
	} else {
		m.mdnsSvc = svc
	}

	m.connectToBootstrapPeers(ctx)
	go m.healthLoop(bgCtx)

	m.logger.Info("swarm initialized",
		zap.String("peer_id", h.ID().String()),
		zap.Int("port", m.cfg.Port))
	return nil
}

func (m *Manager) connectToBootstrapPeers(ctx context.Context) {
	for _, addr := range m.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			m.logger.Warn("skipping malformed bootstrap address", zap.String("addr", addr))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			continue
		}
		if err := m.connectToPeer(ctx, *info); err != nil {
			m.logger.Warn("bootstrap peer unreachable", zap.String("addr", addr), zap.Error(err))
		}
	}
}

func (m *Manager) connectToPeer(ctx context.Context, info peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()
	return m.host.Connect(ctx, info)
}

// HandlePeerFound implements the mdns.Notifee interface.
func (m *Manager) HandlePeerFound(info peer.AddrInfo) {
	if err := m.connectToPeer(context.Background(), info); err != nil {
		m.logger.Debug("mDNS peer connect failed", zap.String("peer", info.ID.String()), zap.Error(err))
	}
}

// JoinRoom joins the discovery topic and waits for the initial peer discovery
// pass to flush. Joining while a different room is current logs a warning and
// proceeds without leaving the old room; callers are expected to leave first.
func (m *Manager) JoinRoom(ctx context.Context, t protocol.Topic, class Classification) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return fmt.Errorf("swarm not initialized")
	}
	if m.room != nil {
		if m.room.Topic == t && m.state == StateJoined {
			m.mu.Unlock()
			return nil
		}
		m.logger.Warn("joining a room while another is still current; leave the old room first",
			zap.String("current", m.room.Code),
			zap.String("new", t.ShortCode()))
	}
	m.state = StateJoining
	m.mu.Unlock()

	if err := m.join(ctx, t, class); err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) join(ctx context.Context, t protocol.Topic, class Classification) error {
	pt, err := m.ps.Join(t.String())
	if err != nil {
		return fmt.Errorf("failed to join topic: %w", err)
	}
	sub, err := pt.Subscribe()
	if err != nil {
		pt.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	subCtx, subCancel := context.WithCancel(m.ctx)
	go m.readLoop(subCtx, sub)

	dutil.Advertise(m.ctx, m.discovery, t.String())
	m.flushDiscovery(ctx, t)

	if class == "" {
		class = classify(t)
	}
	info := &RoomInfo{Topic: t, Code: t.ShortCode(), Classification: class}

	m.mu.Lock()
	if m.topic != nil {
		oldTopic, oldSub, oldCancel := m.topic, m.sub, m.subCancel
		m.stale = append(m.stale, func() {
			if oldCancel != nil {
				oldCancel()
			}
			if oldSub != nil {
				oldSub.Cancel()
			}
			oldTopic.Close()
		})
	}
	m.room = info
	m.topic = pt
	m.sub = sub
	m.subCancel = subCancel
	m.state = StateJoined
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("room joined",
		zap.String("code", info.Code),
		zap.String("classification", string(info.Classification)))
	if m.events.OnRoomJoined != nil {
		m.events.OnRoomJoined(*info)
	}
	return nil
}

// flushDiscovery runs one bounded FindPeers pass over the topic namespace and
// dials whatever it finds, so a fresh join sees existing members promptly.
func (m *Manager) flushDiscovery(ctx context.Context, t protocol.Topic) {
	ctx, cancel := context.WithTimeout(ctx, discoveryFlushTimeout)
	defer cancel()

	peerCh, err := m.discovery.FindPeers(ctx, t.String())
	if err != nil {
		m.logger.Debug("discovery flush failed", zap.Error(err))
		return
	}
	for info := range peerCh {
		if info.ID == m.host.ID() || len(info.Addrs) == 0 {
			continue
		}
		if err := m.connectToPeer(ctx, info); err != nil {
			m.logger.Debug("discovered peer unreachable",
				zap.String("peer", info.ID.String()), zap.Error(err))
		}
	}
}

// LeaveRoom tears down the current room: heartbeats stop, peer connections
// close and the peer set is cleared. Calling it with no active room is a
// no-op.
func (m *Manager) LeaveRoom() error {
	m.mu.Lock()
	if m.room == nil {
		m.mu.Unlock()
		return nil
	}
	m.state = StateLeaving
	info := *m.room
	m.mu.Unlock()

	m.teardownRoom()

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Info("room left", zap.String("code", info.Code))
	if m.events.OnRoomLeft != nil {
		m.events.OnRoomLeft(info)
	}
	if m.events.OnPeerCount != nil {
		m.events.OnPeerCount(0)
	}
	return nil
}

func (m *Manager) teardownRoom() {
	m.mu.Lock()
	topic, sub, subCancel := m.topic, m.sub, m.subCancel
	m.room, m.topic, m.sub, m.subCancel = nil, nil, nil, nil
	stale := m.stale
	m.stale = nil
	peers := m.peers
	m.peers = make(map[peer.ID]*Peer)
	m.mu.Unlock()

	for _, closeStale := range stale {
		closeStale()
	}
	for id, p := range peers {
		close(p.stopHeartbeat)
		if err := m.host.Network().ClosePeer(id); err != nil {
			m.logger.Debug("error closing peer", zap.String("peer", id.String()), zap.Error(err))
		}
	}
	if subCancel != nil {
		subCancel()
	}
	if sub != nil {
		sub.Cancel()
	}
	if topic != nil {
		topic.Close()
	}
}

// Broadcast publishes a frame to every member of the current room.
func (m *Manager) Broadcast(ctx context.Context, data []byte) error {
	m.mu.RLock()
	topic := m.topic
	m.mu.RUnlock()
	if topic == nil {
		return &protocol.NotFoundError{Name: "active room"}
	}
	return topic.Publish(ctx, data)
}

// SendToPeer writes a frame to one peer over a fresh stream. Write failures
// remove the peer from the connection set rather than propagating.
func (m *Manager) SendToPeer(ctx context.Context, peerID peer.ID, data []byte) error {
	stream, err := m.host.NewStream(ctx, peerID, libp2pproto.ID(ProtocolID))
	if err != nil {
		m.removePeer(peerID)
		return &protocol.ConnectionError{PeerID: peerID.String(), Err: err}
	}
	defer stream.Close()

	if _, err := stream.Write(append(data, '\n')); err != nil {
		m.removePeer(peerID)
		return &protocol.ConnectionError{PeerID: peerID.String(), Err: err}
	}
	return nil
}

// handleStream reads newline-delimited frames from an inbound stream.
func (m *Manager) handleStream(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer()

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 1 {
			m.handleFrame(from, line)
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("stream read error", zap.String("peer", from.String()), zap.Error(err))
			}
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == m.host.ID() {
			continue
		}
		m.handleFrame(msg.ReceivedFrom, msg.Data)
	}
}

// handleFrame decodes one wire frame. Malformed or unknown frames are logged
// and dropped without affecting other peers or sessions. Heartbeats are
// answered and consumed here; everything else goes to the message handler.
func (m *Manager) handleFrame(from peer.ID, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		m.logger.Warn("dropping frame", zap.String("peer", from.String()), zap.Error(err))
		return
	}

	m.touchPeer(from)

	switch msg.Type {
	case protocol.TypeHeartbeat:
		m.respondHeartbeat(from)
	case protocol.TypeHeartbeatResponse:
		// liveness already recorded above
	default:
		if m.events.OnMessage != nil {
			m.events.OnMessage(from, msg)
		}
	}
}

func (m *Manager) respondHeartbeat(to peer.ID) {
	data, err := protocol.Encode(protocol.TypeHeartbeatResponse, &protocol.Heartbeat{
		From:      m.host.ID().String(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	// fire-and-forget: a failed response just drops the peer
	go m.SendToPeer(m.ctx, to, data)
}

func (m *Manager) touchPeer(id peer.ID) {
	m.mu.Lock()
	if p, ok := m.peers[id]; ok {
		p.LastHeartbeat = time.Now()
	}
	m.mu.Unlock()
}

// Listen, ListenClose, Connected and Disconnected implement network.Notifiee.
func (m *Manager) Listen(network.Network, multiaddr.Multiaddr)      {}
func (m *Manager) ListenClose(network.Network, multiaddr.Multiaddr) {}

func (m *Manager) Connected(_ network.Network, conn network.Conn) {
	m.addPeer(conn.RemotePeer())
}

func (m *Manager) Disconnected(_ network.Network, conn network.Conn) {
	m.removePeer(conn.RemotePeer())
}

// addPeer tracks connections at the transport level, which overcounts room
// membership when bootstrap or DHT-routed peers connect; the health check
// consults topic membership instead.
func (m *Manager) addPeer(id peer.ID) {
	m.mu.Lock()
	if m.room == nil || id == m.host.ID() {
		m.mu.Unlock()
		return
	}
	if _, ok := m.peers[id]; ok {
		m.mu.Unlock()
		return
	}
	p := &Peer{
		ID:            id,
		LastHeartbeat: time.Now(),
		stopHeartbeat: make(chan struct{}),
	}
	m.peers[id] = p
	count := len(m.peers)
	m.mu.Unlock()

	go m.heartbeatLoop(p)

	m.logger.Info("peer connected", zap.String("peer", shortPeerID(id)), zap.Int("peers", count))
	if m.events.OnPeerCount != nil {
		m.events.OnPeerCount(count)
	}
}

func (m *Manager) removePeer(id peer.ID) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, id)
	count := len(m.peers)
	m.mu.Unlock()

	close(p.stopHeartbeat)

	m.logger.Info("peer disconnected", zap.String("peer", shortPeerID(id)), zap.Int("peers", count))
	if m.events.OnPeerCount != nil {
		m.events.OnPeerCount(count)
	}
}

// heartbeatLoop writes a heartbeat frame to one peer on a fixed interval.
// Liveness is advisory: a missed heartbeat does not disconnect the peer, but
// a failed write does, through SendToPeer's cleanup.
func (m *Manager) heartbeatLoop(p *Peer) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHeartbeat:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			data, err := protocol.Encode(protocol.TypeHeartbeat, &protocol.Heartbeat{
				From:      m.host.ID().String(),
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			if err := m.SendToPeer(m.ctx, p.ID, data); err != nil {
				return
			}
		}
	}
}

// healthLoop watches for a joined room with zero live peers and kicks off
// recovery when it sees one.
func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.room == nil || m.state != StateJoined {
				m.mu.Unlock()
				continue
			}
			topic := m.topic
			m.mu.Unlock()

			// the peer set can include bootstrap or DHT-routed connections
			// that never joined the room, so health is judged by topic
			// membership instead
			if topic == nil || len(topic.ListPeers()) > 0 {
				continue
			}

			m.mu.Lock()
			if m.room == nil || m.state != StateJoined {
				m.mu.Unlock()
				continue
			}
			m.state = StateRecovering
			info := *m.room
			m.mu.Unlock()

			m.logger.Warn("no peers in active room, starting recovery", zap.String("code", info.Code))
			go m.recoverRoom(info)
		}
	}
}

func (m *Manager) recoverRoom(info RoomInfo) {
	m.runRecovery(info, func() error {
		m.teardownRoom()
		return m.join(m.ctx, info.Topic, info.Classification)
	})
}

// runRecovery retries the rejoin with linearly growing backoff. The attempt
// counter carries across iterations and is only reset by a successful join;
// exceeding the cap abandons automatic recovery and requires an explicit
// re-join.
func (m *Manager) runRecovery(info RoomInfo, rejoin func() error) {
	for {
		m.mu.Lock()
		if m.state != StateRecovering {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if attempt > m.cfg.MaxReconnectAttempts {
			m.logger.Error("room recovery abandoned",
				zap.String("code", info.Code),
				zap.Error(&protocol.ExhaustedRetriesError{Attempts: attempt - 1}))
			m.teardownRoom()
			m.mu.Lock()
			m.state = StateDisconnected
			m.mu.Unlock()
			if m.events.OnRoomLeft != nil {
				m.events.OnRoomLeft(info)
			}
			return
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(ReconnectDelay(m.cfg.ReconnectBaseDelay, attempt)):
		}

		m.mu.Lock()
		if m.state != StateRecovering {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := rejoin(); err != nil {
			m.logger.Warn("recovery attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			m.mu.Lock()
			m.state = StateRecovering
			m.mu.Unlock()
			continue
		}
		m.logger.Info("room recovered", zap.String("code", info.Code), zap.Int("attempt", attempt))
		return
	}
}

// Destroy leaves the current room and tears down the overlay. Safe to call
// multiple times.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if !m.initialized || m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	m.mu.Unlock()

	m.LeaveRoom()
	m.cancel()

	if m.mdnsSvc != nil {
		m.mdnsSvc.Close()
	}
	if err := m.dht.Close(); err != nil {
		m.logger.Warn("error closing DHT", zap.Error(err))
	}
	if err := m.host.Close(); err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// GetPeer returns the tracked connection for a peer id.
func (m *Manager) GetPeer(id peer.ID) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// PeerCount returns the number of live peers in the current room.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// State returns the current room membership state.
func (m *Manager) State() RoomState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentRoom returns the active room, if any.
func (m *Manager) CurrentRoom() (RoomInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.room == nil {
		return RoomInfo{}, false
	}
	return *m.room, true
}

// Host exposes the underlying libp2p host.
func (m *Manager) Host() host.Host {
	return m.host
}

// shortPeerID truncates a peer id for display.
func shortPeerID(id peer.ID) string {
	s := id.String()
	if len(s) > 12 {
		return s[len(s)-12:]
	}
	return s
}
