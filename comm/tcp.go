package comm

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"
)

// TCPConfig describes one rank of a TCP group. Addrs holds the listen address
// of every rank, indexed by rank, and must be identical on all ranks.
type TCPConfig struct {
	Rank          int
	Addrs         []string
	DialTimeout   time.Duration // how long to keep retrying lower ranks
	RetryInterval time.Duration
	Compress      bool // s2-compress every stream; must match on all ranks
	Logger        zerolog.Logger
}

// TCPComm is one rank of a group connected by a full mesh of TCP streams.
// Payloads travel as gob-encoded interface values: basic types and slices of
// basic types work out of the box, other types must be registered with
// gob.Register on every rank.
type TCPComm struct {
	rank  int
	size  int
	inbox *mailbox
	peers []*tcpPeer // nil at index rank
	log   zerolog.Logger

	compress bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closing   chan struct{}
}

type tcpPeer struct {
	rank int
	conn net.Conn
	mu   sync.Mutex
	enc  *gob.Encoder
	dec  *gob.Decoder

	// flush pushes buffered compressed output to the connection
	flush func() error
}

type envelope struct {
	Tag     int
	Payload any
}

type hello struct {
	Rank int
	Size int
}

// DialTCP listens on Addrs[Rank], dials every lower rank and accepts every
// higher rank. It returns once the whole mesh is connected.
func DialTCP(ctx context.Context, cfg TCPConfig) (*TCPComm, error) {
	size := len(cfg.Addrs)
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, fmt.Errorf("rank %d with %d addresses: %w", cfg.Rank, size, ErrRankOutOfRange)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}

	c := &TCPComm{
		rank:     cfg.Rank,
		size:     size,
		inbox:    newMailbox(),
		peers:    make([]*tcpPeer, size),
		log:      cfg.Logger.With().Int("rank", cfg.Rank).Logger(),
		compress: cfg.Compress,
		closing:  make(chan struct{}),
	}

	ln, err := net.Listen("tcp", cfg.Addrs[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addrs[cfg.Rank], err)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	accepted := make(chan error, 1)
	go func() {
		accepted <- c.acceptPeers(ln, size-1-cfg.Rank)
		ln.Close()
	}()

	for r := 0; r < cfg.Rank; r++ {
		p, err := c.dialPeer(ctx, r, cfg)
		if err != nil {
			ln.Close()
			<-accepted
			c.closePeers()
			return nil, err
		}
		c.peers[r] = p
	}
	if err := <-accepted; err != nil {
		c.closePeers()
		return nil, fmt.Errorf("accept peers: %w", err)
	}

	for _, p := range c.peers {
		if p == nil {
			continue
		}
		c.wg.Add(1)
		go c.readLoop(p)
	}
	c.log.Debug().Int("size", size).Msg("tcp group connected")
	return c, nil
}

func (c *TCPComm) acceptPeers(ln net.Listener, n int) error {
	for i := 0; i < n; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		p := newTCPPeer(-1, conn, c.compress)
		var h hello
		if err := p.dec.Decode(&h); err != nil {
			conn.Close()
			return fmt.Errorf("handshake: %w", err)
		}
		if h.Rank <= c.rank || h.Rank >= c.size || h.Size != c.size || c.peers[h.Rank] != nil {
			conn.Close()
			return fmt.Errorf("handshake from rank %d (size %d) rejected by rank %d (size %d)",
				h.Rank, h.Size, c.rank, c.size)
		}
		p.rank = h.Rank
		c.peers[h.Rank] = p
	}
	return nil
}

func (c *TCPComm) dialPeer(ctx context.Context, r int, cfg TCPConfig) (*tcpPeer, error) {
	var d net.Dialer
	deadline := time.Now().Add(cfg.DialTimeout)
	for {
		conn, err := d.DialContext(ctx, "tcp", cfg.Addrs[r])
		if err == nil {
			p := newTCPPeer(r, conn, cfg.Compress)
			if err := p.send(hello{Rank: c.rank, Size: c.size}); err != nil {
				conn.Close()
				return nil, fmt.Errorf("handshake with rank %d: %w", r, err)
			}
			return p, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial rank %d at %s: %w", r, cfg.Addrs[r], err)
		}
		c.log.Debug().Int("peer", r).Err(err).Msg("dial retry")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
}

func newTCPPeer(rank int, conn net.Conn, compress bool) *tcpPeer {
	p := &tcpPeer{rank: rank, conn: conn}
	if !compress {
		p.enc = gob.NewEncoder(conn)
		p.dec = gob.NewDecoder(conn)
		return p
	}
	w := s2.NewWriter(conn, s2.WriterConcurrency(1))
	p.enc = gob.NewEncoder(w)
	p.dec = gob.NewDecoder(s2.NewReader(conn))
	p.flush = w.Flush
	return p
}

func (p *tcpPeer) send(v any) error {
	if err := p.enc.Encode(v); err != nil {
		return err
	}
	if p.flush != nil {
		return p.flush()
	}
	return nil
}

func (c *TCPComm) readLoop(p *tcpPeer) {
	defer c.wg.Done()
	for {
		var env envelope
		if err := p.dec.Decode(&env); err != nil {
			select {
			case <-c.closing:
			default:
				c.log.Error().Err(err).Int("peer", p.rank).Msg("connection lost")
				c.inbox.fail(fmt.Errorf("connection to rank %d: %w", p.rank, err))
			}
			return
		}
		if err := c.inbox.push(p.rank, env.Tag, env.Payload); err != nil {
			return
		}
	}
}

func (c *TCPComm) Rank() int { return c.rank }

func (c *TCPComm) Size() int { return c.size }

func (c *TCPComm) Send(ctx context.Context, dest, tag int, payload any) error {
	if err := checkRank(c, dest); err != nil {
		return fmt.Errorf("send to %d: %w", dest, err)
	}
	if dest == c.rank {
		return c.inbox.push(c.rank, tag, payload)
	}
	p := c.peers[dest]
	p.mu.Lock()
	defer p.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(dl)
	} else {
		p.conn.SetWriteDeadline(time.Time{})
	}
	if err := p.send(envelope{Tag: tag, Payload: payload}); err != nil {
		return fmt.Errorf("send to %d (tag %d): %w", dest, tag, err)
	}
	return nil
}

func (c *TCPComm) Recv(ctx context.Context, src, tag int) (any, error) {
	if err := checkRank(c, src); err != nil {
		return nil, fmt.Errorf("recv from %d: %w", src, err)
	}
	return c.inbox.pop(ctx, src, tag)
}

// Close shuts every connection and waits for the reader goroutines.
func (c *TCPComm) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.inbox.fail(ErrClosed)
		errs = c.closePeers()
		c.wg.Wait()
	})
	return errors.Join(errs...)
}

func (c *TCPComm) closePeers() []error {
	var errs []error
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errs
}
