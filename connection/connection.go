// Package connection owns the client side of one kernel session.
//
// A Connection allocates five loopback ports, writes the connection file a
// kernel reads at startup, and dials the kernel's sockets once it binds them:
//
//	control, shell, stdin   DEALER, sharing one routing id
//	iopub                   SUB, subscribed to every topic
//	heartbeat               REQ, dialled but never used for liveness checks
//
// The heartbeat is nominally a send-only PUSH socket. zmq4 refuses to pair
// PUSH with the kernel's REP, so a REQ is used instead. Nothing is ever sent
// on it and no receive loop reads it, so it stays send-only in practice.
//
// Four receive loops (never heartbeat) decode inbound frames, tag them with
// their channel, and publish them onto one broadcast stream. Order is kept
// per channel only; messages from different channels interleave freely.
//
// Replies are matched to requests by parent msg_id. SendAndReceive
// subscribes with that predicate before sending and returns an open-ended
// subscription: this layer has no notion of an exchange being complete.
//
// # Lifecycle
//
//	conn, err := connection.Create(connection.DefaultConfig())
//	defer conn.Close()
//	// start the kernel with conn.ConnectionFile()
//	if err := conn.WaitReady(ctx); err != nil { ... }
//	sub, err := conn.SendAndReceive(ctx, req)
//	defer sub.Close()
package connection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/smnsjas/go-jupytercore/broadcast"
	"github.com/smnsjas/go-jupytercore/messages"
	"github.com/smnsjas/go-jupytercore/metrics"
)

const (
	// Transport is the only transport this package speaks.
	Transport = "tcp"

	routingIDBytes = 8
	keyBytes       = 32

	closeTimeout = 2 * time.Second
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// Config configures a Connection.
type Config struct {
	// Host is the interface the kernel binds to. It must be local.
	Host string `json:"host"`
	// SignatureScheme is written to the connection file; see wire.NewSigner.
	SignatureScheme string `json:"signature_scheme"`
	// StrictSignatures drops inbound messages with a bad signature instead
	// of delivering them.
	StrictSignatures bool `json:"strict_signatures"`
	// Dir is where the connection file is written. Empty means os.TempDir.
	Dir string `json:"dir"`
	// DialRetry is the interval between connection attempts while the
	// kernel has not bound its sockets yet.
	DialRetry time.Duration `json:"dial_retry"`
	// KernelName is recorded in the connection file when set.
	KernelName string `json:"kernel_name"`

	Logger  *slog.Logger     `json:"-"`
	Metrics *metrics.Metrics `json:"-"`
}

// DefaultConfig returns a loopback configuration signing with HMAC-SHA256.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		SignatureScheme: "hmac-sha256",
		DialRetry:       100 * time.Millisecond,
	}
}

// Info is the connection file content.
type Info struct {
	ControlPort     int    `json:"control_port"`
	ShellPort       int    `json:"shell_port"`
	HBPort          int    `json:"hb_port"`
	StdinPort       int    `json:"stdin_port"`
	IOPubPort       int    `json:"iopub_port"`
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// ReadInfo reads a connection file.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse connection file: %w", err)
	}
	return &info, nil
}

// endpoint is one channel socket.
type endpoint struct {
	channel messages.Channel
	port    int
	socket  zmq4.Socket
	ready   chan struct{}
	sendMu  sync.Mutex
}

// sockets is the fixed set of channel sockets.
type sockets struct {
	control   *endpoint
	shell     *endpoint
	stdin     *endpoint
	iopub     *endpoint
	heartbeat *endpoint
}

func (s *sockets) all() []*endpoint {
	return []*endpoint{s.control, s.shell, s.stdin, s.iopub, s.heartbeat}
}

func (s *sockets) sender(ch messages.Channel) (*endpoint, bool) {
	switch ch {
	case messages.ChannelControl:
		return s.control, true
	case messages.ChannelShell:
		return s.shell, true
	case messages.ChannelStdin:
		return s.stdin, true
	default:
		return nil, false
	}
}

// Connection is one client session with a kernel.
type Connection struct {
	cfg       Config
	info      Info
	path      string
	routingID string
	session   string

	codec   *messages.Codec
	sockets sockets
	stream  *broadcast.Stream[*messages.Message]

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	logger  *slog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
}

// Create allocates ports, writes the connection file and starts dialling.
// On failure nothing is left behind.
func Create(cfg Config) (*Connection, error) {
	defaults := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.SignatureScheme == "" {
		cfg.SignatureScheme = defaults.SignatureScheme
	}
	if cfg.DialRetry <= 0 {
		cfg.DialRetry = defaults.DialRetry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	routingID, err := randomHex(routingIDBytes)
	if err != nil {
		return nil, fmt.Errorf("routing id: %w", err)
	}
	key, err := randomHex(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	codec, err := messages.NewCodec(key, cfg.SignatureScheme)
	if err != nil {
		return nil, err
	}
	codec.Strict = cfg.StrictSignatures

	ports, err := reservePorts(cfg.Host, 5)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:       cfg,
		routingID: routingID,
		session:   messages.NewSession(),
		codec:     codec,
		stream:    broadcast.New[*messages.Message](),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   cfg.Metrics,
		info: Info{
			ControlPort:     ports[0],
			ShellPort:       ports[1],
			HBPort:          ports[2],
			StdinPort:       ports[3],
			IOPubPort:       ports[4],
			Transport:       Transport,
			IP:              cfg.Host,
			SignatureScheme: codec.Signer().Scheme(),
			Key:             key,
			KernelName:      cfg.KernelName,
		},
	}

	dealerOpts := []zmq4.Option{
		zmq4.WithID(zmq4.SocketIdentity(routingID)),
		zmq4.WithDialerRetry(cfg.DialRetry),
		zmq4.WithDialerMaxRetries(-1),
	}
	retryOpts := []zmq4.Option{
		zmq4.WithDialerRetry(cfg.DialRetry),
		zmq4.WithDialerMaxRetries(-1),
	}
	c.sockets = sockets{
		control:   newEndpoint(messages.ChannelControl, ports[0], zmq4.NewDealer(ctx, dealerOpts...)),
		shell:     newEndpoint(messages.ChannelShell, ports[1], zmq4.NewDealer(ctx, dealerOpts...)),
		heartbeat: newEndpoint(messages.ChannelHeartbeat, ports[2], zmq4.NewReq(ctx, retryOpts...)),
		stdin:     newEndpoint(messages.ChannelStdin, ports[3], zmq4.NewDealer(ctx, dealerOpts...)),
		iopub:     newEndpoint(messages.ChannelIOPub, ports[4], zmq4.NewSub(ctx, retryOpts...)),
	}

	path, err := writeInfo(cfg.Dir, &c.info)
	if err != nil {
		c.closeSockets()
		cancel()
		return nil, err
	}
	c.path = path
	c.logger = cfg.Logger.With(slog.String("connection_file", path))

	for _, ep := range c.sockets.all() {
		c.loops.Add(1)
		go c.run(ep)
	}

	c.logger.Debug("connection created",
		slog.Int("shell", c.info.ShellPort),
		slog.Int("iopub", c.info.IOPubPort),
		slog.String("scheme", c.info.SignatureScheme))

	return c, nil
}

func newEndpoint(ch messages.Channel, port int, socket zmq4.Socket) *endpoint {
	return &endpoint{channel: ch, port: port, socket: socket, ready: make(chan struct{})}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// reservePorts holds n listeners open at once so the ports are distinct, then
// releases them for the kernel to bind.
func reservePorts(host string, n int) ([]int, error) {
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	ports := make([]int, 0, n)
	for range n {
		l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, fmt.Errorf("reserve port on %s: %w", host, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

func writeInfo(dir string, info *Info) (string, error) {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode connection file: %w", err)
	}

	f, err := os.CreateTemp(dir, "kernel-conn-*.json")
	if err != nil {
		return "", fmt.Errorf("create connection file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write connection file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write connection file: %w", err)
	}
	return f.Name(), nil
}

func (c *Connection) addr(port int) string {
	return Transport + "://" + net.JoinHostPort(c.info.IP, strconv.Itoa(port))
}

// run dials ep, marks it ready, and then receives on it until Close.
func (c *Connection) run(ep *endpoint) {
	defer c.loops.Done()

	if err := ep.socket.Dial(c.addr(ep.port)); err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("dial failed", slog.String("channel", string(ep.channel)), slog.Any("error", err))
		}
		return
	}
	if ep.channel == messages.ChannelIOPub {
		if err := ep.socket.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			c.logger.Warn("subscribe failed", slog.Any("error", err))
		}
	}
	close(ep.ready)
	c.logger.Debug("channel connected", slog.String("channel", string(ep.channel)))

	if !ep.channel.CanReceive() {
		return
	}
	c.receive(ep)
}

// receive loops until the connection closes. Decode failures are logged and
// skipped; they never end the loop.
func (c *Connection) receive(ep *endpoint) {
	for {
		msg, err := ep.socket.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("receive failed", slog.String("channel", string(ep.channel)), slog.Any("error", err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.cfg.DialRetry):
			}
			continue
		}
		c.dispatch(ep.channel, msg.Frames)
	}
}

func (c *Connection) dispatch(ch messages.Channel, frames [][]byte) {
	msg, err := c.codec.Decode(frames)
	if err != nil {
		var perr *messages.ProtocolError
		if errors.As(err, &perr) {
			perr.Channel = ch
		}
		if errors.Is(err, messages.ErrSignatureMismatch) {
			c.metrics.IncDecodeError(string(ch), metrics.ReasonSignature)
			c.logger.Warn("bad message signature", slog.String("channel", string(ch)), slog.Bool("dropped", msg == nil))
		} else {
			c.metrics.IncDecodeError(string(ch), metrics.ReasonMalformed)
			c.logger.Warn("dropping malformed message", slog.String("channel", string(ch)), slog.Any("error", err))
		}
		if msg == nil {
			return
		}
	}

	msg.Channel = ch
	c.metrics.IncReceived(string(ch))
	c.logger.Debug("received", slog.String("channel", string(ch)), slog.String("msg_type", msg.Type()), slog.String("parent", msg.ParentID()))
	c.stream.Publish(msg)
}

// ConnectionFile returns the path of the connection file.
func (c *Connection) ConnectionFile() string {
	return c.path
}

// Info returns the connection file content.
func (c *Connection) Info() Info {
	return c.info
}

// Session returns a session id for messages sent on this connection.
func (c *Connection) Session() string {
	return c.session
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Messages subscribes to every inbound message accepted by filter, from now
// on. A nil filter accepts everything. The subscription ends when ctx is done,
// when it is closed, or when the connection closes.
func (c *Connection) Messages(ctx context.Context, filter func(*messages.Message) bool) *broadcast.Subscription[*messages.Message] {
	return c.stream.Subscribe(ctx, filter)
}

// WaitReady blocks until every channel socket has connected to the kernel.
func (c *Connection) WaitReady(ctx context.Context) error {
	for _, ep := range c.sockets.all() {
		select {
		case <-ep.ready:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", ep.channel, ctx.Err())
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
	return nil
}

// SendRaw encodes msg and sends it on msg.Channel, which must be control,
// shell or stdin. It waits for that channel to connect and returns once the
// socket has accepted the frames.
func (c *Connection) SendRaw(ctx context.Context, msg *messages.Message) error {
	ep, ok := c.sockets.sender(msg.Channel)
	if !ok {
		return fmt.Errorf("send %s: %w: %q", msg.Type(), messages.ErrInvalidChannel, msg.Channel)
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	frames, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type(), err)
	}

	select {
	case <-ep.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}

	ep.sendMu.Lock()
	err = ep.socket.SendMulti(zmq4.NewMsgFrom(frames...))
	ep.sendMu.Unlock()
	if err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("send %s on %s: %w", msg.Type(), msg.Channel, err)
	}

	c.metrics.IncSent(string(msg.Channel))
	c.logger.Debug("sent", slog.String("channel", string(msg.Channel)), slog.String("msg_type", msg.Type()), slog.String("msg_id", msg.Header.MsgID))
	return nil
}

// SendAndReceive sends msg and returns a subscription to every inbound
// message, on any channel, whose parent msg_id is msg's. The subscription is
// installed before sending and never ends on its own; close it or cancel ctx
// when the exchange is done.
func (c *Connection) SendAndReceive(ctx context.Context, msg *messages.Message) (*broadcast.Subscription[*messages.Message], error) {
	id := msg.Header.MsgID
	sub := c.Messages(ctx, func(m *messages.Message) bool {
		return m.ParentID() == id
	})
	if err := c.SendRaw(ctx, msg); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// Close closes the sockets, stops the receive loops, ends every subscription
// and removes the connection file. Failure to remove the file is ignored.
// Close is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeSockets()

		done := make(chan struct{})
		go func() {
			c.loops.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			c.logger.Warn("receive loops still running after close")
		}

		c.stream.Close()
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Debug("remove connection file", slog.Any("error", err))
		}
		c.logger.Debug("connection closed")
	})
	return nil
}

func (c *Connection) closeSockets() {
	for _, ep := range c.sockets.all() {
		if ep == nil {
			continue
		}
		_ = ep.socket.Close()
	}
}
