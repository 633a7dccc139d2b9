package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/orch-os/adapter-swarm/pkg/config"
	"github.com/orch-os/adapter-swarm/pkg/protocol"
	"github.com/orch-os/adapter-swarm/pkg/registry"
	"github.com/orch-os/adapter-swarm/pkg/swarm"
	"github.com/orch-os/adapter-swarm/pkg/transfer"
)

// Events fans subsystem notifications out to the host process. Nil callbacks
// are skipped.
type Events struct {
	OnRoomJoined       func(swarm.RoomInfo)
	OnRoomLeft         func(swarm.RoomInfo)
	OnPeerCount        func(int)
	OnInventory        func(from string, adapters []protocol.AdapterDescriptor)
	OnTransferProgress func(transfer.Progress)
	OnTransferError    func(transfer.Failure)
	OnAdapterSaved     func(*registry.Record)
}

// Coordinator composes the swarm manager, content registry and transfer
// protocol: it dispatches inbound peer messages, serves adapter requests by
// resolving paths and streaming chunks, and republishes local inventory on
// membership changes. It is constructed and owned explicitly; there is no
// package-level instance.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger
	events Events

	swarm    *swarm.Manager
	registry *registry.Registry
	transfer *transfer.Protocol
}

func New(cfg *config.Config, logger *zap.Logger, events Events) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		events: events,
	}

	c.registry = registry.NewRegistry(logger, cfg.WeightsPath, cfg.RegistryPath, cfg.DownloadPath)

	c.transfer = transfer.NewProtocol(logger, cfg.ChunkDelay, transfer.Events{
		OnProgress: func(p transfer.Progress) {
			if events.OnTransferProgress != nil {
				events.OnTransferProgress(p)
			}
		},
		OnComplete: c.onTransferComplete,
		OnError: func(f transfer.Failure) {
			if events.OnTransferError != nil {
				events.OnTransferError(f)
			}
		},
	})

	c.swarm = swarm.NewManager(cfg, logger, swarm.Events{
		OnRoomJoined: func(info swarm.RoomInfo) {
			if events.OnRoomJoined != nil {
				events.OnRoomJoined(info)
			}
		},
		OnRoomLeft: func(info swarm.RoomInfo) {
			if events.OnRoomLeft != nil {
				events.OnRoomLeft(info)
			}
		},
		OnPeerCount: c.onPeerCount,
		OnMessage:   c.handleMessage,
	})

	return c
}

func (c *Coordinator) Initialize(ctx context.Context) error {
	return c.swarm.Initialize(ctx)
}

func (c *Coordinator) Destroy() error {
	err := c.swarm.Destroy()
	c.registry.Clear()
	return err
}

// JoinRoom joins an existing room identified by its hex-encoded topic.
func (c *Coordinator) JoinRoom(ctx context.Context, topicHex string) (swarm.RoomInfo, error) {
	t, err := protocol.ParseTopic(topicHex)
	if err != nil {
		return swarm.RoomInfo{}, err
	}
	if err := c.swarm.JoinRoom(ctx, t, ""); err != nil {
		return swarm.RoomInfo{}, err
	}
	info, _ := c.swarm.CurrentRoom()
	return info, nil
}

// CreateRoom generates a fresh topic and joins it as a private room.
func (c *Coordinator) CreateRoom(ctx context.Context) (swarm.RoomInfo, error) {
	t, err := protocol.NewTopic()
	if err != nil {
		return swarm.RoomInfo{}, err
	}
	if err := c.swarm.JoinRoom(ctx, t, swarm.ClassPrivate); err != nil {
		return swarm.RoomInfo{}, err
	}
	info, _ := c.swarm.CurrentRoom()
	return info, nil
}

func (c *Coordinator) LeaveRoom() error {
	return c.swarm.LeaveRoom()
}

func (c *Coordinator) PeerCount() int {
	return c.swarm.PeerCount()
}

func (c *Coordinator) CurrentRoom() (swarm.RoomInfo, bool) {
	return c.swarm.CurrentRoom()
}

func (c *Coordinator) Swarm() *swarm.Manager {
	return c.swarm
}

func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Transfer returns the chunked transfer protocol for testing.
func (c *Coordinator) Transfer() *transfer.Protocol {
	return c.transfer
}

// ShareAdapter resolves an adapter by name, computes its size and checksum,
// registers a descriptor under a fresh advertisement topic and broadcasts the
// updated inventory.
func (c *Coordinator) ShareAdapter(ctx context.Context, name string) (*protocol.AdapterDescriptor, error) {
	path, ok := c.registry.FindPath(ctx, name)
	if !ok {
		return nil, &protocol.NotFoundError{Name: name}
	}
	payload, err := resolvePayload(path)
	if err != nil {
		return nil, &protocol.NotFoundError{Name: name}
	}

	size, checksum, err := transfer.FileInfo(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter %s: %w", name, err)
	}

	adTopic, err := protocol.NewTopic()
	if err != nil {
		return nil, err
	}

	desc := &protocol.AdapterDescriptor{
		Name:      name,
		Topic:     adTopic.String(),
		Size:      size,
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
	}
	if rec, ok := c.registry.Metadata(name); ok {
		desc.Metadata = protocol.AdapterMetadata{
			BaseModel:      rec.BaseModel,
			TrainingMethod: rec.TrainingMethod,
			FileKind:       rec.FileKind,
		}
	}

	c.registry.RegisterAdapter(desc)
	c.broadcastInventory(ctx)

	c.logger.Info("adapter shared",
		zap.String("name", name),
		zap.String("topic", adTopic.ShortCode()),
		zap.Int64("size", size))
	return desc, nil
}

// UnshareAdapter withdraws an advertisement and rebroadcasts the inventory.
func (c *Coordinator) UnshareAdapter(ctx context.Context, topic string) {
	c.registry.UnregisterAdapter(topic)
	c.broadcastInventory(ctx)
}

// RequestAdapter asks for an adapter by its advertisement topic, either from
// one specific peer or from the whole room.
func (c *Coordinator) RequestAdapter(ctx context.Context, topic string, fromPeer string) error {
	data, err := protocol.Encode(protocol.TypeAdapterRequest, &protocol.AdapterRequest{Topic: topic})
	if err != nil {
		return err
	}
	if fromPeer != "" {
		id, err := peer.Decode(fromPeer)
		if err != nil {
			return fmt.Errorf("invalid peer id %q: %w", fromPeer, err)
		}
		return c.swarm.SendToPeer(ctx, id, data)
	}
	return c.swarm.Broadcast(ctx, data)
}

// CheckAdapterExists reports whether a named adapter resolves locally.
func (c *Coordinator) CheckAdapterExists(ctx context.Context, name string) bool {
	_, ok := c.registry.FindPath(ctx, name)
	return ok
}

func (c *Coordinator) broadcastInventory(ctx context.Context) {
	adapters := c.registry.Adapters()
	list := protocol.AdapterList{Adapters: make([]protocol.AdapterDescriptor, 0, len(adapters))}
	for _, desc := range adapters {
		list.Adapters = append(list.Adapters, *desc)
	}

	data, err := protocol.Encode(protocol.TypeAdapterList, &list)
	if err != nil {
		return
	}
	if err := c.swarm.Broadcast(ctx, data); err != nil {
		c.logger.Debug("inventory broadcast skipped", zap.Error(err))
	}
}

func (c *Coordinator) onPeerCount(count int) {
	// a membership change is when peers learn about each other's inventory
	go c.broadcastInventory(context.Background())
	if c.events.OnPeerCount != nil {
		c.events.OnPeerCount(count)
	}
}

// handleMessage dispatches one decoded inbound frame.
func (c *Coordinator) handleMessage(from peer.ID, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAdapterList:
		c.handleAdapterList(from, msg.AdapterList)
	case protocol.TypeAdapterRequest:
		go c.serveAdapter(from, msg.Request.Topic)
	case protocol.TypeAdapterChunk:
		c.transfer.HandleChunk(msg.Chunk)
	default:
		c.logger.Warn("unhandled message type", zap.String("type", msg.Type))
	}
}

// handleAdapterList validates inbound advertisements, dropping entries that
// lack a name or topic, and forwards the rest outward.
func (c *Coordinator) handleAdapterList(from peer.ID, list *protocol.AdapterList) {
	valid := make([]protocol.AdapterDescriptor, 0, len(list.Adapters))
	for _, ad := range list.Adapters {
		if ad.Name == "" || ad.Topic == "" {
			c.logger.Warn("dropping malformed adapter entry", zap.String("peer", from.String()))
			continue
		}
		valid = append(valid, ad)
	}
	if c.events.OnInventory != nil {
		c.events.OnInventory(from.String(), valid)
	}
}

// serveAdapter resolves a requested advertisement and streams the backing
// file to the requesting peer.
func (c *Coordinator) serveAdapter(to peer.ID, topic string) {
	desc, ok := c.registry.Adapter(topic)
	if !ok {
		c.logger.Warn("request for unknown adapter topic", zap.String("topic", topic))
		return
	}
	ctx := context.Background()
	path, found := c.registry.FindPath(ctx, desc.Name)
	if !found {
		c.logger.Warn("shared adapter no longer on disk", zap.String("name", desc.Name))
		return
	}
	payload, err := resolvePayload(path)
	if err != nil {
		c.logger.Warn("shared adapter unreadable", zap.String("name", desc.Name), zap.Error(err))
		return
	}

	sink := func(chunk *protocol.AdapterChunk) error {
		data, err := protocol.Encode(protocol.TypeAdapterChunk, chunk)
		if err != nil {
			return err
		}
		return c.swarm.SendToPeer(ctx, to, data)
	}

	if err := c.transfer.SendFile(ctx, sink, payload, desc); err != nil {
		c.logger.Warn("adapter send failed",
			zap.String("name", desc.Name),
			zap.String("peer", to.String()),
			zap.Error(err))
	}
}

// onTransferComplete persists fully verified inbound artifacts. Sender-side
// completions carry no data and need no persistence.
func (c *Coordinator) onTransferComplete(done transfer.Completion) {
	if done.Data == nil || done.Descriptor == nil {
		return
	}
	rec, err := c.registry.SaveReceived(done.Descriptor, done.Data)
	if err != nil {
		c.logger.Error("failed to save received adapter",
			zap.String("name", done.Descriptor.Name),
			zap.Error(err))
		if c.events.OnTransferError != nil {
			c.events.OnTransferError(transfer.Failure{Topic: done.Topic, Err: err})
		}
		return
	}
	if c.events.OnAdapterSaved != nil {
		c.events.OnAdapterSaved(rec)
	}
}

// resolvePayload accepts either a single artifact file or an adapter
// directory containing one; directories come from trainers that write the
// weights as a tree.
func resolvePayload(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return path, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return filepath.Join(path, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no payload file in %s", path)
}
