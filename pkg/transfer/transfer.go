package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orch-os/adapter-swarm/pkg/protocol"
)

// ChunkSize is the fixed slice size for adapter transfers. A file of size S
// always produces ceil(S/ChunkSize) chunks.
const ChunkSize = 64 * 1024

// Sink writes one framed chunk towards a peer.
type Sink func(chunk *protocol.AdapterChunk) error

// Progress reports how far a transfer has advanced, on both sides.
type Progress struct {
	Topic       string
	Percent     float64
	Transferred int
	Total       int
}

// Completion carries the fully reassembled artifact on the receiving side.
// Data is only populated for received transfers.
type Completion struct {
	Topic      string
	Data       []byte
	Descriptor *protocol.AdapterDescriptor
}

type Failure struct {
	Topic string
	Err   error
}

// Events receives transfer notifications. Nil callbacks are skipped.
type Events struct {
	OnProgress func(Progress)
	OnComplete func(Completion)
	OnError    func(Failure)
}

// session tracks one inbound transfer. Chunks may arrive in any order; the
// buffer is indexed by chunk index and reassembly only happens once every
// slot is filled.
type session struct {
	topic      string
	descriptor *protocol.AdapterDescriptor
	chunks     [][]byte
	total      int
	received   int
}

// Protocol serializes local files into checksummed chunks and reassembles
// inbound chunks into verified buffers.
type Protocol struct {
	logger     *zap.Logger
	events     Events
	chunkDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func NewProtocol(logger *zap.Logger, chunkDelay time.Duration, events Events) *Protocol {
	return &Protocol{
		logger:     logger,
		events:     events,
		chunkDelay: chunkDelay,
		sessions:   make(map[string]*session),
	}
}

// FileInfo streams the file once and returns its size and SHA-256 checksum
// without loading it into memory.
func FileInfo(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// SendFile reads the file at path as fixed-size chunks and pushes each one
// through sink. The descriptor rides along on chunk 0 so the receiver can
// size its buffer and verify the final checksum. The inter-chunk delay bounds
// the send rate; there is no per-chunk acknowledgement.
func (p *Protocol) SendFile(ctx context.Context, sink Sink, path string, desc *protocol.AdapterDescriptor) error {
	f, err := os.Open(path)
	if err != nil {
		p.emitError(desc.Topic, err)
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		p.emitError(desc.Topic, err)
		return err
	}

	total := int((info.Size() + ChunkSize - 1) / ChunkSize)
	if total == 0 {
		total = 1
	}

	buf := make([]byte, ChunkSize)
	for index := 0; index < total; index++ {
		select {
		case <-ctx.Done():
			p.emitError(desc.Topic, ctx.Err())
			return ctx.Err()
		default:
		}

		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			p.emitError(desc.Topic, err)
			return fmt.Errorf("failed to read chunk %d: %w", index, err)
		}

		chunk := &protocol.AdapterChunk{
			Topic:    desc.Topic,
			Chunk:    base64.StdEncoding.EncodeToString(buf[:n]),
			Index:    index,
			Total:    total,
			Checksum: checksum(buf[:n]),
		}
		if index == 0 {
			chunk.Metadata = desc
		}

		if err := sink(chunk); err != nil {
			p.emitError(desc.Topic, err)
			return err
		}

		if p.events.OnProgress != nil {
			p.events.OnProgress(Progress{
				Topic:       desc.Topic,
				Percent:     float64(index+1) / float64(total) * 100,
				Transferred: index + 1,
				Total:       total,
			})
		}

		if p.chunkDelay > 0 && index < total-1 {
			time.Sleep(p.chunkDelay)
		}
	}

	if p.events.OnComplete != nil {
		p.events.OnComplete(Completion{Topic: desc.Topic})
	}
	return nil
}

// HandleChunk verifies and stores one inbound chunk. A checksum mismatch
// discards the chunk and leaves the session incomplete; the session for that
// topic can then never reach its total. Receiving the final missing chunk
// triggers reassembly.
func (p *Protocol) HandleChunk(chunk *protocol.AdapterChunk) error {
	data, err := base64.StdEncoding.DecodeString(chunk.Chunk)
	if err != nil {
		perr := &protocol.ProtocolError{Reason: fmt.Sprintf("chunk %d of %s is not valid base64", chunk.Index, chunk.Topic)}
		p.emitError(chunk.Topic, perr)
		return perr
	}

	if checksum(data) != chunk.Checksum {
		ierr := &protocol.IntegrityError{Topic: chunk.Topic, Reason: fmt.Sprintf("chunk %d checksum mismatch", chunk.Index)}
		p.emitError(chunk.Topic, ierr)
		return ierr
	}

	if chunk.Total <= 0 || chunk.Index < 0 || chunk.Index >= chunk.Total {
		perr := &protocol.ProtocolError{Reason: fmt.Sprintf("chunk index %d out of range for total %d", chunk.Index, chunk.Total)}
		p.emitError(chunk.Topic, perr)
		return perr
	}

	p.mu.Lock()
	sess, ok := p.sessions[chunk.Topic]
	if !ok {
		sess = &session{
			topic:  chunk.Topic,
			chunks: make([][]byte, chunk.Total),
			total:  chunk.Total,
		}
		p.sessions[chunk.Topic] = sess
	}
	// the session buffer was sized from the first chunk; a frame claiming a
	// different total would index past it
	if chunk.Total != sess.total {
		p.mu.Unlock()
		perr := &protocol.ProtocolError{Reason: fmt.Sprintf("chunk total %d does not match session total %d for %s", chunk.Total, sess.total, chunk.Topic)}
		p.emitError(chunk.Topic, perr)
		return perr
	}
	if chunk.Index == 0 && chunk.Metadata != nil {
		sess.descriptor = chunk.Metadata
	}
	if sess.chunks[chunk.Index] == nil {
		sess.chunks[chunk.Index] = data
		sess.received++
	}
	received, total := sess.received, sess.total
	done := received == total
	if done {
		delete(p.sessions, chunk.Topic)
	}
	p.mu.Unlock()

	if p.events.OnProgress != nil {
		p.events.OnProgress(Progress{
			Topic:       chunk.Topic,
			Percent:     float64(received) / float64(total) * 100,
			Transferred: received,
			Total:       total,
		})
	}

	if done {
		return p.reassemble(sess)
	}
	return nil
}

func (p *Protocol) reassemble(sess *session) error {
	if sess.descriptor == nil {
		perr := &protocol.ProtocolError{Reason: fmt.Sprintf("transfer %s completed without a descriptor", sess.topic)}
		p.emitError(sess.topic, perr)
		return perr
	}

	h := sha256.New()
	size := 0
	for _, c := range sess.chunks {
		h.Write(c)
		size += len(c)
	}

	if hex.EncodeToString(h.Sum(nil)) != sess.descriptor.Checksum {
		ierr := &protocol.IntegrityError{Topic: sess.topic, Reason: "checksum verification failed"}
		p.emitError(sess.topic, ierr)
		return ierr
	}

	data := make([]byte, 0, size)
	for _, c := range sess.chunks {
		data = append(data, c...)
	}

	p.logger.Info("transfer complete",
		zap.String("topic", sess.topic),
		zap.String("name", sess.descriptor.Name),
		zap.Int("size", size))

	if p.events.OnComplete != nil {
		p.events.OnComplete(Completion{
			Topic:      sess.topic,
			Data:       data,
			Descriptor: sess.descriptor,
		})
	}
	return nil
}

// DropSession abandons an in-flight inbound transfer, e.g. when the sending
// peer disappears. No completion or error is emitted.
func (p *Protocol) DropSession(topic string) {
	p.mu.Lock()
	delete(p.sessions, topic)
	p.mu.Unlock()
}

// ActiveSessions returns the number of in-flight inbound transfers.
func (p *Protocol) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Protocol) emitError(topic string, err error) {
	p.logger.Warn("transfer error", zap.String("topic", topic), zap.Error(err))
	if p.events.OnError != nil {
		p.events.OnError(Failure{Topic: topic, Err: err})
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
