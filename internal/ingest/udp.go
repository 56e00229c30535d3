package ingest

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/NodePath81/lossmon/internal/config"
	"github.com/NodePath81/lossmon/internal/message"
	"github.com/NodePath81/lossmon/internal/metrics"
	"github.com/NodePath81/lossmon/internal/util"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type UDPListener struct {
	cfg       config.IngestConfig
	processor *Processor
	metrics   *metrics.Metrics
	logger    util.Logger

	conn *net.UDPConn
}

var datagramPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, message.MaxDatagramSize)
		return &buf
	},
}

// Persistent read errors back off exponentially between these bounds.
const (
	readErrorBackoffMin = 5 * time.Millisecond
	readErrorBackoffMax = time.Second
)

// batchReader is satisfied by both ipv4.PacketConn and ipv6.PacketConn;
// their Message types are the same underlying type.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

func NewUDPListener(cfg config.IngestConfig, processor *Processor, metrics *metrics.Metrics, logger util.Logger) *UDPListener {
	return &UDPListener{
		cfg:       cfg,
		processor: processor,
		metrics:   metrics,
		logger:    logger,
	}
}

func (l *UDPListener) Start(ctx context.Context, wg *sync.WaitGroup) error {
	addr := util.NetJoin(l.cfg.BindAddr, l.cfg.BindPort)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	if l.cfg.ReadBufferBytes > 0 {
		if err := conn.SetReadBuffer(l.cfg.ReadBufferBytes); err != nil {
			l.logger.Warn("udp read buffer not applied", "bytes", l.cfg.ReadBufferBytes, "error", err)
		}
	}
	l.conn = conn
	l.logger.Info("udp listener started", "addr", conn.LocalAddr().String())

	queueSize := l.cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	packetCh := make(chan datagram, queueSize)
	workerCount := l.cfg.Workers
	if workerCount < 1 {
		workerCount = runtime.GOMAXPROCS(0)
	}
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case pkt, ok := <-packetCh:
					if !ok {
						return
					}
					l.handleDatagram(pkt.addr, pkt.data)
					datagramPool.Put(pkt.bufPtr)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(packetCh)
		l.readLoop(ctx, newBatchReader(conn), packetCh)
	}()
	return nil
}

// newBatchReader picks the x/net wrapper matching the socket family. A
// wildcard "udp" listen yields a dual-stack IPv6 socket.
func newBatchReader(conn *net.UDPConn) batchReader {
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok && local.IP.To4() == nil {
		return ipv6.NewPacketConn(conn)
	}
	return ipv4.NewPacketConn(conn)
}

func (l *UDPListener) readLoop(ctx context.Context, reader batchReader, packetCh chan<- datagram) {
	batch := l.cfg.BatchSize
	if batch < 1 {
		batch = 1
	}
	msgs := make([]ipv4.Message, batch)
	bufs := make([]*[]byte, batch)
	for i := range msgs {
		bufs[i] = datagramPool.Get().(*[]byte)
		msgs[i].Buffers = [][]byte{*bufs[i]}
	}
	defer func() {
		for _, bufPtr := range bufs {
			datagramPool.Put(bufPtr)
		}
	}()

	var backoff time.Duration
	for {
		n, err := reader.ReadBatch(msgs, 0)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			// Log on the first failure and once per second of sustained
			// failure after that.
			if backoff == 0 || backoff == readErrorBackoffMax {
				l.logger.Error("udp read error", "error", err)
			}
			if backoff == 0 {
				backoff = readErrorBackoffMin
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff *= 2
			if backoff > readErrorBackoffMax {
				backoff = readErrorBackoffMax
			}
			continue
		}
		backoff = 0
		for i := 0; i < n; i++ {
			l.metrics.IncDatagram()
			size := msgs[i].N
			bufPtr := bufs[i]
			if size >= len(*bufPtr) {
				l.metrics.IncDropped(metrics.DropOversize)
				l.logger.Debug("udp datagram dropped, oversize", "client", addrString(msgs[i].Addr))
				continue
			}
			select {
			case packetCh <- datagram{addr: msgs[i].Addr, data: (*bufPtr)[:size], bufPtr: bufPtr}:
				bufs[i] = datagramPool.Get().(*[]byte)
				msgs[i].Buffers[0] = *bufs[i]
			default:
				l.metrics.IncDropped(metrics.DropQueueFull)
				l.logger.Debug("udp datagram dropped, queue full", "client", addrString(msgs[i].Addr))
			}
		}
	}
}

func (l *UDPListener) handleDatagram(addr net.Addr, payload []byte) {
	if _, err := l.processor.Handle(payload); err != nil {
		l.logger.Debug("datagram rejected", "client", addrString(addr), "kind", message.ErrorKind(err), "error", err)
	}
}

// LocalAddr returns the bound address, or nil before Start.
func (l *UDPListener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *UDPListener) Close() error {
	if l.conn != nil {
		err := l.conn.Close()
		l.logger.Info("udp listener stopped", "addr", l.conn.LocalAddr().String())
		return err
	}
	return nil
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

type datagram struct {
	addr   net.Addr
	data   []byte
	bufPtr *[]byte
}
