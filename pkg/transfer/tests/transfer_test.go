package transfer_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orch-os/adapter-swarm/pkg/protocol"
	"github.com/orch-os/adapter-swarm/pkg/testutil"
	"github.com/orch-os/adapter-swarm/pkg/transfer"
)

type capture struct {
	progress  []transfer.Progress
	completed []transfer.Completion
	failures  []transfer.Failure
}

func (c *capture) events() transfer.Events {
	return transfer.Events{
		OnProgress: func(p transfer.Progress) { c.progress = append(c.progress, p) },
		OnComplete: func(done transfer.Completion) { c.completed = append(c.completed, done) },
		OnError:    func(f transfer.Failure) { c.failures = append(c.failures, f) },
	}
}

func collectChunks(t *testing.T, path string, desc *protocol.AdapterDescriptor) []*protocol.AdapterChunk {
	var chunks []*protocol.AdapterChunk
	sender := transfer.NewProtocol(zap.NewNop(), 0, transfer.Events{})
	err := sender.SendFile(context.Background(), func(chunk *protocol.AdapterChunk) error {
		chunks = append(chunks, chunk)
		return nil
	}, path, desc)
	require.NoError(t, err)
	return chunks
}

func makeDescriptor(t *testing.T, name, path string) *protocol.AdapterDescriptor {
	size, checksum, err := transfer.FileInfo(path)
	require.NoError(t, err)
	topic, err := protocol.NewTopic()
	require.NoError(t, err)
	return &protocol.AdapterDescriptor{
		Name:     name,
		Topic:    topic.String(),
		Size:     size,
		Checksum: checksum,
	}
}

func TestFileInfo(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, data := testutil.CreateTestBlob(t, dir, "adapter.gguf", 10000)

	size, checksum, err := transfer.FileInfo(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), size)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)
}

func TestChunkCount(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	cases := []struct {
		size   int
		chunks int
	}{
		{1, 1},
		{transfer.ChunkSize, 1},
		{transfer.ChunkSize + 1, 2},
		{200 * 1024, 4}, // 3 full chunks plus an 8 KiB tail
	}

	for _, tc := range cases {
		path, _ := testutil.CreateTestBlob(t, dir, "blob", tc.size)
		desc := makeDescriptor(t, "blob", path)

		chunks := collectChunks(t, path, desc)
		assert.Len(t, chunks, tc.chunks, "size %d", tc.size)

		last, err := base64.StdEncoding.DecodeString(chunks[len(chunks)-1].Chunk)
		require.NoError(t, err)
		wantTail := tc.size % transfer.ChunkSize
		if wantTail == 0 {
			wantTail = transfer.ChunkSize
		}
		assert.Len(t, last, wantTail)
	}
}

func TestSendFileFramesChunks(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, _ := testutil.CreateTestBlob(t, dir, "adapter.gguf", 200*1024)
	desc := makeDescriptor(t, "adapter", path)

	chunks := collectChunks(t, path, desc)
	require.Len(t, chunks, 4)

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, 4, chunk.Total)
		assert.Equal(t, desc.Topic, chunk.Topic)

		data, err := base64.StdEncoding.DecodeString(chunk.Chunk)
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		assert.Equal(t, hex.EncodeToString(sum[:]), chunk.Checksum)
	}

	// descriptor rides on chunk 0 only
	require.NotNil(t, chunks[0].Metadata)
	assert.Equal(t, desc.Name, chunks[0].Metadata.Name)
	for _, chunk := range chunks[1:] {
		assert.Nil(t, chunk.Metadata)
	}
}

func TestReceiveOutOfOrder(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, data := testutil.CreateTestBlob(t, dir, "adapter.gguf", 200*1024)
	desc := makeDescriptor(t, "adapter", path)
	chunks := collectChunks(t, path, desc)

	var ev capture
	receiver := transfer.NewProtocol(zap.NewNop(), 0, ev.events())

	for _, i := range []int{1, 0, 3, 2} {
		require.NoError(t, receiver.HandleChunk(chunks[i]))
	}

	require.Len(t, ev.completed, 1)
	assert.Equal(t, data, ev.completed[0].Data)
	assert.Equal(t, desc.Name, ev.completed[0].Descriptor.Name)
	assert.Empty(t, ev.failures)
	assert.Equal(t, 0, receiver.ActiveSessions())
}

func TestDuplicateChunksDoNotDoubleCount(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, data := testutil.CreateTestBlob(t, dir, "adapter.gguf", 200*1024)
	desc := makeDescriptor(t, "adapter", path)
	chunks := collectChunks(t, path, desc)

	var ev capture
	receiver := transfer.NewProtocol(zap.NewNop(), 0, ev.events())

	// two chunks delivered twice must not trigger premature reassembly
	require.NoError(t, receiver.HandleChunk(chunks[0]))
	require.NoError(t, receiver.HandleChunk(chunks[0]))
	require.NoError(t, receiver.HandleChunk(chunks[1]))
	require.NoError(t, receiver.HandleChunk(chunks[1]))
	assert.Empty(t, ev.completed)

	require.NoError(t, receiver.HandleChunk(chunks[2]))
	require.NoError(t, receiver.HandleChunk(chunks[3]))

	require.Len(t, ev.completed, 1)
	assert.Equal(t, data, ev.completed[0].Data)
}

func TestCorruptedChunkIsRejected(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, _ := testutil.CreateTestBlob(t, dir, "adapter.gguf", 200*1024)
	desc := makeDescriptor(t, "adapter", path)
	chunks := collectChunks(t, path, desc)

	// flip one byte in chunk 2's payload
	raw, err := base64.StdEncoding.DecodeString(chunks[2].Chunk)
	require.NoError(t, err)
	raw[100] ^= 0xff
	chunks[2].Chunk = base64.StdEncoding.EncodeToString(raw)

	var ev capture
	receiver := transfer.NewProtocol(zap.NewNop(), 0, ev.events())

	for _, chunk := range chunks {
		receiver.HandleChunk(chunk)
	}

	require.Len(t, ev.failures, 1)
	var ierr *protocol.IntegrityError
	assert.ErrorAs(t, ev.failures[0].Err, &ierr)

	// the session stays incomplete and never completes
	assert.Empty(t, ev.completed)
	assert.Equal(t, 1, receiver.ActiveSessions())
}

func TestWholeFileChecksumMismatch(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, _ := testutil.CreateTestBlob(t, dir, "adapter.gguf", 200*1024)
	desc := makeDescriptor(t, "adapter", path)
	desc.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	chunks := collectChunks(t, path, desc)

	var ev capture
	receiver := transfer.NewProtocol(zap.NewNop(), 0, ev.events())

	for _, chunk := range chunks {
		receiver.HandleChunk(chunk)
	}

	// every per-chunk check passed, but the session must end in an error
	require.Len(t, ev.failures, 1)
	var ierr *protocol.IntegrityError
	require.ErrorAs(t, ev.failures[0].Err, &ierr)
	assert.Contains(t, ierr.Reason, "checksum verification failed")
	assert.Empty(t, ev.completed)
	assert.Equal(t, 0, receiver.ActiveSessions())
}

func TestChunkIndexOutOfRange(t *testing.T) {
	var ev capture
	receiver := transfer.NewProtocol(zap.NewNop(), 0, ev.events())

	payload := []byte("payload")
	sum := sha256.Sum256(payload)
	err := receiver.HandleChunk(&protocol.AdapterChunk{
		Topic:    "t",
		Chunk:    base64.StdEncoding.EncodeToString(payload),
		Index:    7,
		Total:    4,
		Checksum: hex.EncodeToString(sum[:]),
	})

	require.Error(t, err)
	var perr *protocol.ProtocolError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, receiver.ActiveSessions())
}

func TestMismatchedTotalIsRejected(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, data := testutil.CreateTestBlob(t, dir, "adapter.gguf", 200*1024)
	desc := makeDescriptor(t, "adapter", path)
	chunks := collectChunks(t, path, desc)

	var ev capture
	receiver := transfer.NewProtocol(zap.NewNop(), 0, ev.events())

	require.NoError(t, receiver.HandleChunk(chunks[0]))

	// same topic, but the frame claims a larger transfer than the session
	payload := []byte("payload")
	sum := sha256.Sum256(payload)
	err := receiver.HandleChunk(&protocol.AdapterChunk{
		Topic:    desc.Topic,
		Chunk:    base64.StdEncoding.EncodeToString(payload),
		Index:    7,
		Total:    8,
		Checksum: hex.EncodeToString(sum[:]),
	})

	require.Error(t, err)
	var perr *protocol.ProtocolError
	assert.ErrorAs(t, err, &perr)

	// the original session is unaffected and still completes
	require.NoError(t, receiver.HandleChunk(chunks[1]))
	require.NoError(t, receiver.HandleChunk(chunks[2]))
	require.NoError(t, receiver.HandleChunk(chunks[3]))
	require.Len(t, ev.completed, 1)
	assert.Equal(t, data, ev.completed[0].Data)
}

func TestDropSessionAbandonsTransfer(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, _ := testutil.CreateTestBlob(t, dir, "adapter.gguf", 200*1024)
	desc := makeDescriptor(t, "adapter", path)
	chunks := collectChunks(t, path, desc)

	var ev capture
	receiver := transfer.NewProtocol(zap.NewNop(), 0, ev.events())

	require.NoError(t, receiver.HandleChunk(chunks[0]))
	require.NoError(t, receiver.HandleChunk(chunks[1]))
	receiver.DropSession(desc.Topic)

	assert.Equal(t, 0, receiver.ActiveSessions())
	assert.Empty(t, ev.completed)
	assert.Empty(t, ev.failures)
}

func TestSenderProgressAndCompletion(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "transfer-test-*")
	defer cleanup()

	path, _ := testutil.CreateTestBlob(t, dir, "adapter.gguf", 200*1024)
	desc := makeDescriptor(t, "adapter", path)

	var ev capture
	sender := transfer.NewProtocol(zap.NewNop(), 0, ev.events())
	err := sender.SendFile(context.Background(), func(*protocol.AdapterChunk) error { return nil }, path, desc)
	require.NoError(t, err)

	require.Len(t, ev.progress, 4)
	assert.Equal(t, float64(100), ev.progress[3].Percent)
	require.Len(t, ev.completed, 1)
	assert.Nil(t, ev.completed[0].Data)
}
