package channel

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/wire"
)

// SHM implements Channel over a single-producer/single-consumer ring
// buffer living in a memory-mapped named segment. The
// segment's first 16 bytes hold the write/read offsets as a pair of
// uint64 counters accessed with sync/atomic directly against the
// mapped memory, which is what makes the ring safe to share across
// processes that mmap the same file; the byte region after the control
// header holds sequence-numbered Header+payload frames packed with
// wraparound.
//
// Waking a blocked receiver uses an eventfd looked up by segment
// handle in shmWakeRegistry. Two unrelated processes cannot share an
// eventfd by name, so cross-process peers fall back to a short
// polling backoff on the write offset; same-process peers (the common
// case: a node's publisher and subscriber both created by fel itself)
// get the eventfd fast path for free.
type SHM struct {
	inflight
	buf *bufferConfig

	mu         sync.Mutex
	region     []byte
	fd         int
	handle     string
	notify     int // eventfd, -1 if unavailable
	basedir    string
	seqCounter uint64
}

const shmControlSize = 16 // writeOff uint64 + readOff uint64

var shmWakeRegistry sync.Map // handle -> eventfd

func shmWakeFD(handle string) int {
	if v, ok := shmWakeRegistry.Load(handle); ok {
		return v.(int)
	}
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		fd = -1
	}
	actual, _ := shmWakeRegistry.LoadOrStore(handle, fd)
	return actual.(int)
}

// NewSHM constructs an unattached SHM channel. basedir overrides the
// default segment directory ("/dev/shm"); pass "" to use it.
func NewSHM(maxFrame uint32, basedir string) *SHM {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	if basedir == "" {
		basedir = "/dev/shm"
	}
	return &SHM{buf: newBufferConfig(maxFrame, 0), fd: -1, notify: -1, basedir: basedir}
}

func (c *SHM) Kind() model.ChannelKind { return model.KindSHM }

func (c *SHM) segmentPath(handle string) string {
	return filepath.Join(c.basedir, "fel-"+handle+".shm")
}

// Listen creates a new named segment sized to four times the maximum
// frame plus the control header, attaches to it as the ring's owner,
// and returns the handle and size a peer passes to Connect.
func (c *SHM) Listen(ctx context.Context) (model.ChannelSource, status.Status) {
	handle := uuid.NewString()
	size := int(c.buf.maxFrame)*4 + shmControlSize
	if st := c.open(handle, size, true); !st.IsOK() {
		return model.ChannelSource{}, st
	}
	return model.ChannelSource{Kind: model.KindSHM, SHMHandle: handle, SHMSize: size}, status.OK()
}

// AcceptLoop on SHM has no connection-oriented accept: the one peer
// that attaches via Connect(source) sharing this handle is delivered
// once Connect completes. Since that handshake happens out of band
// (the handle/size travel through the master's RegisterNode/topic
// metadata), AcceptLoop simply blocks until ctx is cancelled.
func (c *SHM) AcceptLoop(ctx context.Context, onAccept func(Channel)) status.Status {
	<-ctx.Done()
	return status.OK()
}

// Connect attaches to an existing segment created by the peer's Listen.
func (c *SHM) Connect(ctx context.Context, source model.ChannelSource) status.Status {
	if source.SHMHandle == "" || source.SHMSize <= 0 {
		return status.New(codes.InvalidArgument, "shm connect: missing handle/size")
	}
	return c.open(source.SHMHandle, source.SHMSize, false)
}

func (c *SHM) open(handle string, size int, create bool) status.Status {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(c.segmentPath(handle), flags, 0600)
	if err != nil {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "shm open %s: %v", handle, err)
	}
	if create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "shm ftruncate %s: %v", handle, err)
		}
	}
	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "shm mmap %s: %v", handle, err)
	}

	c.mu.Lock()
	c.fd = fd
	c.region = region
	c.handle = handle
	c.notify = shmWakeFD(handle)
	c.mu.Unlock()
	return status.OK()
}

func (c *SHM) offsets() (writeOff, readOff *uint64) {
	writeOff = (*uint64)(unsafe.Pointer(&c.region[0]))
	readOff = (*uint64)(unsafe.Pointer(&c.region[8]))
	return
}

func (c *SHM) ringCapacity() uint64 {
	return uint64(len(c.region) - shmControlSize)
}

// SendMessage writes one sequence-numbered Header+payload frame into
// the ring, wrapping at the segment boundary, then wakes a blocked
// receiver.
func (c *SHM) SendMessage(ctx context.Context, payload []byte, enc wire.Encoding) status.Status {
	if st := c.beginSend(); !st.IsOK() {
		return st
	}
	defer c.endSend()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.region == nil {
		return status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "shm not attached")
	}

	framed := make([]byte, wire.HeaderSize+len(payload))
	n, st := wire.Frame(payload, enc, c.buf.maxFrame, framed)
	if !st.IsOK() {
		return st
	}
	framed = framed[:n]

	seq := atomic.AddUint64(&c.seqCounter, 1)
	frame := make([]byte, 8+len(framed))
	binary.LittleEndian.PutUint64(frame[0:8], seq)
	copy(frame[8:], framed)

	writeOff, readOff := c.offsets()
	capacity := c.ringCapacity()
	cur := atomic.LoadUint64(writeOff)
	used := cur - atomic.LoadUint64(readOff)
	if used+uint64(len(frame)) > capacity {
		return status.NotEnoughBuffer(int(used + uint64(len(frame)) - capacity))
	}
	c.writeRing(cur, frame)
	atomic.StoreUint64(writeOff, cur+uint64(len(frame)))

	if c.notify >= 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], 1)
		_, _ = unix.Write(c.notify, buf[:])
	}
	return status.OK()
}

func (c *SHM) writeRing(offset uint64, data []byte) {
	capacity := c.ringCapacity()
	base := shmControlSize
	pos := int(offset % capacity)
	n := copy(c.region[base+pos:], data)
	if n < len(data) {
		copy(c.region[base:], data[n:])
	}
}

func (c *SHM) readRing(offset uint64, n int) []byte {
	capacity := c.ringCapacity()
	base := shmControlSize
	pos := int(offset % capacity)
	out := make([]byte, n)
	k := copy(out, c.region[base+pos:])
	if k < n {
		copy(out[k:], c.region[base:])
	}
	return out
}

// ReceiveMessage blocks until a frame is available, polling the
// eventfd wake primitive when present and otherwise backing off with a
// short sleep, then decodes one sequence-numbered frame.
func (c *SHM) ReceiveMessage(ctx context.Context) ([]byte, status.Status) {
	if st := c.beginReceive(); !st.IsOK() {
		return nil, st
	}
	defer c.endReceive()

	c.mu.Lock()
	region := c.region
	notify := c.notify
	c.mu.Unlock()
	if region == nil {
		return nil, status.WithTransport(codes.Unavailable, status.ErrSocketClosed, "shm not attached")
	}

	writeOff, readOff := c.offsets()
	backoff := time.Millisecond
	for atomic.LoadUint64(readOff) == atomic.LoadUint64(writeOff) {
		select {
		case <-ctx.Done():
			return nil, status.Cancelled("shm receive")
		default:
		}
		if notify >= 0 {
			var buf [8]byte
			if _, err := unix.Read(notify, buf[:]); err == nil {
				continue
			}
		}
		time.Sleep(backoff)
		if backoff < 20*time.Millisecond {
			backoff *= 2
		}
	}

	cur := atomic.LoadUint64(readOff)
	seqAndHeader := c.readRing(cur, 8+wire.HeaderSize)
	h, st := wire.DecodeHeader(seqAndHeader[8:])
	if !st.IsOK() {
		return nil, st
	}
	if h.PayloadLen > c.buf.maxFrame {
		return nil, status.WithTransport(codes.ResourceExhausted, status.ErrCorruptedHeader,
			"declared length %d exceeds max frame %d", h.PayloadLen, c.buf.maxFrame)
	}
	body := c.readRing(cur+8+wire.HeaderSize, int(h.PayloadLen))
	atomic.StoreUint64(readOff, cur+8+uint64(wire.HeaderSize)+uint64(h.PayloadLen))
	return body, status.OK()
}

func (c *SHM) SetDynamicSendBuffer(enabled bool)    {}
func (c *SHM) SetDynamicReceiveBuffer(enabled bool) {}

func (c *SHM) Close() error {
	c.markClosed()
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.region != nil {
		err = unix.Munmap(c.region)
		c.region = nil
	}
	if c.fd >= 0 {
		if cerr := unix.Close(c.fd); cerr != nil && err == nil {
			err = cerr
		}
		c.fd = -1
	}
	return err
}
