package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
	ErrUnknownTag        = errors.New("unknown message tag")
)

// Envelope is a received message with its tag and the sender's signature.
type Envelope struct {
	Tag uint8
	Msg interface{}
	Sig []byte
}

// Config configures a NetworkTransport.
type Config struct {
	MaxPool int
	// Types maps a tag to the concrete type decoded for it.
	Types  map[uint8]reflect.Type
	Logger hclog.Logger
	Stream StreamLayer
	// Timeout bounds dialing.
	Timeout time.Duration
	// InboxSize is the capacity of the channel returned by Inbox.
	InboxSize int
}

// NetworkTransport sends tagged messages to peers over pooled outgoing
// connections and decodes incoming ones into Inbox.
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	inbox chan Envelope
	types map[uint8]reflect.Type

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx cancels live connection handlers on Close
	streamCtx    context.Context
	streamCancel context.CancelFunc
	handlers     sync.WaitGroup

	timeout time.Duration
}

func NewNetworkTransport(cfg Config) *NetworkTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "seqbft-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &NetworkTransport{
		connPool:     make(map[string][]*NetConn),
		maxPool:      cfg.MaxPool,
		inbox:        make(chan Envelope, cfg.InboxSize),
		types:        cfg.Types,
		logger:       logger,
		shutdownCh:   make(chan struct{}),
		stream:       cfg.Stream,
		streamCtx:    ctx,
		streamCancel: cancel,
		timeout:      cfg.Timeout,
	}
	n.handlers.Add(1)
	go n.listen()
	return n
}

// Inbox delivers decoded incoming messages.
func (n *NetworkTransport) Inbox() <-chan Envelope {
	return n.inbox
}

func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops the listener, the connection handlers and pooled connections.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	if n.shutdown {
		n.shutdownLock.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	n.streamCancel()
	err := n.stream.Close()
	n.shutdownLock.Unlock()

	n.connPoolLock.Lock()
	for target, conns := range n.connPool {
		for _, c := range conns {
			c.Release()
		}
		delete(n.connPool, target)
	}
	n.connPoolLock.Unlock()

	n.handlers.Wait()
	return err
}

func (n *NetworkTransport) listen() {
	defer n.handlers.Done()
	const baseDelay = 5 * time.Millisecond
	const maxDelay = time.Second

	var loopDelay time.Duration
	for {
		c, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			n.logger.Error("failed to accept connection", "error", err)
			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0
		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", c.RemoteAddr().String())
		n.handlers.Add(1)
		go n.handleConn(c)
	}
}

func (n *NetworkTransport) handleConn(c net.Conn) {
	defer n.handlers.Done()
	defer c.Close()
	// unblock the decoder when the transport closes
	stop := context.AfterFunc(n.streamCtx, func() { c.Close() })
	defer stop()

	r := bufio.NewReader(c)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	for {
		if err := n.handleMsg(r, dec); err != nil {
			if err != io.EOF && !n.IsShutdown() {
				n.logger.Error("failed to decode incoming message", "error", err)
			}
			return
		}
	}
}

func (n *NetworkTransport) handleMsg(r *bufio.Reader, dec *codec.Decoder) error {
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	typ, ok := n.types[tag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	body := reflect.Zero(typ).Interface()
	if err := dec.Decode(&body); err != nil {
		return err
	}
	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return err
	}
	select {
	case n.inbox <- Envelope{Tag: tag, Msg: body, Sig: sig}:
		return nil
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
}

// GetConn returns an idle pooled connection to target or dials a new one.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	n.connPoolLock.Lock()
	if conns := n.connPool[target]; len(conns) > 0 {
		c := conns[len(conns)-1]
		conns[len(conns)-1] = nil
		n.connPool[target] = conns[:len(conns)-1]
		n.connPoolLock.Unlock()
		return c, nil
	}
	n.connPoolLock.Unlock()

	c, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}
	return newNetConn(target, c), nil
}

// ReturnConn puts c back into the pool, or closes it if the pool is full.
func (n *NetworkTransport) ReturnConn(c *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()
	conns := n.connPool[c.target]
	if !n.IsShutdown() && len(conns) < n.maxPool {
		n.connPool[c.target] = append(conns, c)
		return nil
	}
	return c.Release()
}

// Send writes one message to target over a pooled connection.
func (n *NetworkTransport) Send(target string, tag uint8, msg interface{}, sig []byte) error {
	c, err := n.GetConn(target)
	if err != nil {
		return err
	}
	if err := c.write(tag, msg, sig); err != nil {
		return fmt.Errorf("send to %s: %w", target, err)
	}
	return n.ReturnConn(c)
}

// Broadcast sends the message to every target concurrently and returns the
// first error once all sends finished.
func (n *NetworkTransport) Broadcast(targets []string, tag uint8, msg interface{}, sig []byte) error {
	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			return n.Send(target, tag, msg, sig)
		})
	}
	return g.Wait()
}

// Connect dials every target once and pools the connections.
func (n *NetworkTransport) Connect(targets []string) error {
	for _, target := range targets {
		c, err := n.GetConn(target)
		if err != nil {
			return err
		}
		if err := n.ReturnConn(c); err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "receiver", target)
	}
	return nil
}
