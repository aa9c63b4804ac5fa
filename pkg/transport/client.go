package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"fedstore/pkg/dht"
	"fedstore/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// CircuitState is the circuit breaker state of one pooled connection
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, calls rejected
	CircuitHalfOpen                     // one trial call allowed
)

// ClientConfig tunes the pooled client
type ClientConfig struct {
	// TLS enables transport security; nil dials in plaintext
	TLS *tls.Config

	// Self identifies this node to the peers it calls
	Self dht.PeerRecord

	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// FailureThreshold consecutive failures open a connection's circuit
	// for CircuitCooldown
	FailureThreshold int
	CircuitCooldown  time.Duration

	IdleTimeout time.Duration

	// Dialer replaces the network dialer, for in-process listeners
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

func (c *ClientConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// pooledConn wraps one connection with usage and breaker state
type pooledConn struct {
	conn        *grpc.ClientConn
	lastUsed    time.Time
	failures    int
	lastFailure time.Time
	state       CircuitState
}

// Client pools one gRPC connection per address and retries transient
// failures with exponential backoff. It implements dht.Transport.
type Client struct {
	config ClientConfig
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*pooledConn

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

var _ dht.Transport = (*Client)(nil)

// NewClient creates a client and starts idle connection maintenance
func NewClient(cfg ClientConfig, clk clock.Clock, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		config:      cfg,
		clock:       clk,
		logger:      logger,
		conns:       make(map[string]*pooledConn),
		stopCleanup: make(chan struct{}),
	}
	go c.maintainConnections()
	return c
}

// connection returns the pooled connection for addr, dialing on first use
func (c *Client) connection(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if pooled, ok := c.conns[addr]; ok {
		if pooled.state == CircuitOpen {
			if now.Sub(pooled.lastFailure) < c.config.CircuitCooldown {
				return nil, fmt.Errorf("circuit open for %s: %w", addr, types.ErrNetwork)
			}
			pooled.state = CircuitHalfOpen
			c.logger.Info("Circuit breaker moved to half-open", zap.String("address", addr))
		}
		if pooled.conn.GetState() != connectivity.Shutdown {
			pooled.lastUsed = now
			return pooled.conn, nil
		}
		delete(c.conns, addr)
	}

	conn, err := c.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %v: %w", addr, err, types.ErrNetwork)
	}
	c.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	c.logger.Debug("Opened connection", zap.String("address", addr))
	return conn, nil
}

func (c *Client) dial(addr string) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if c.config.TLS != nil {
		creds = credentials.NewTLS(c.config.TLS)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if c.config.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(c.config.Dialer))
	}

	target := addr
	if !strings.Contains(target, ":///") {
		target = "passthrough:///" + addr
	}
	return grpc.NewClient(target, opts...)
}

// recordResult feeds the circuit breaker of addr
func (c *Client) recordResult(addr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pooled, ok := c.conns[addr]
	if !ok {
		return
	}
	if err == nil || !types.IsRetryable(err) {
		if pooled.state != CircuitClosed {
			c.logger.Info("Circuit breaker closed", zap.String("address", addr))
		}
		pooled.failures = 0
		pooled.state = CircuitClosed
		return
	}

	pooled.failures++
	pooled.lastFailure = c.clock.Now()
	if pooled.state == CircuitHalfOpen || pooled.failures >= c.config.FailureThreshold {
		if pooled.state != CircuitOpen {
			c.logger.Warn("Circuit breaker opened",
				zap.String("address", addr),
				zap.Int("failures", pooled.failures))
		}
		pooled.state = CircuitOpen
	}
}

// State reports the circuit state of addr
func (c *Client) State(addr string) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pooled, ok := c.conns[addr]; ok {
		return pooled.state
	}
	return CircuitClosed
}

func (c *Client) maintainConnections() {
	ticker := c.clock.Ticker(c.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepIdle()
		case <-c.stopCleanup:
			return
		}
	}
}

// sweepIdle closes connections unused for longer than IdleTimeout
func (c *Client) sweepIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for addr, pooled := range c.conns {
		if now.Sub(pooled.lastUsed) > c.config.IdleTimeout {
			pooled.conn.Close()
			delete(c.conns, addr)
			c.logger.Debug("Closed idle connection", zap.String("address", addr))
		}
	}
}

// Close closes every pooled connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.stopCleanup) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, pooled := range c.conns {
		pooled.conn.Close()
		delete(c.conns, addr)
	}
	return nil
}

// outgoing attaches this node's identity and md to ctx
func (c *Client) outgoing(ctx context.Context, kv ...string) context.Context {
	self := c.config.Self
	if !self.ID.IsZero() {
		kv = append(kv,
			mdSenderID, self.ID.String(),
			mdSenderAddress, self.Address,
			mdSenderFed, self.FederationID)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// invoke calls method on addr, retrying transient failures
func (c *Client) invoke(ctx context.Context, addr, method string, req, resp proto.Message, kv ...string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialInterval
	b.MaxInterval = c.config.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		conn, err := c.connection(addr)
		if err != nil {
			return backoff.Permanent(err)
		}

		err = fromStatus(conn.Invoke(c.outgoing(ctx, kv...), method, req, resp))
		c.recordResult(addr, err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !types.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug("Call failed, retrying",
			zap.String("address", addr),
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.config.MaxRetries), ctx))
}

func replicaMD(namespace, key string) []string {
	return []string{mdNamespace, namespace, mdKey, key}
}

// Store pushes a replica to peer
func (c *Client) Store(ctx context.Context, peer dht.PeerRecord, namespace, key string, value []byte) error {
	return c.invoke(ctx, peer.Address, replicaMethod("Store"), wrapperspb.Bytes(value), &emptypb.Empty{}, replicaMD(namespace, key)...)
}

// Fetch reads a replica from peer
func (c *Client) Fetch(ctx context.Context, peer dht.PeerRecord, namespace, key string) ([]byte, error) {
	resp := &wrapperspb.BytesValue{}
	if err := c.invoke(ctx, peer.Address, replicaMethod("Fetch"), &emptypb.Empty{}, resp, replicaMD(namespace, key)...); err != nil {
		return nil, err
	}
	return resp.GetValue(), nil
}

// Remove deletes a replica held by peer
func (c *Client) Remove(ctx context.Context, peer dht.PeerRecord, namespace, key string) error {
	return c.invoke(ctx, peer.Address, replicaMethod("Remove"), &emptypb.Empty{}, &emptypb.Empty{}, replicaMD(namespace, key)...)
}

// Contains asks peer whether it holds key
func (c *Client) Contains(ctx context.Context, peer dht.PeerRecord, namespace, key string) (bool, error) {
	resp := &wrapperspb.BoolValue{}
	if err := c.invoke(ctx, peer.Address, replicaMethod("Contains"), &emptypb.Empty{}, resp, replicaMD(namespace, key)...); err != nil {
		return false, err
	}
	return resp.GetValue(), nil
}

// Ping checks that peer is reachable
func (c *Client) Ping(ctx context.Context, peer dht.PeerRecord) error {
	return c.invoke(ctx, peer.Address, replicaMethod("Ping"), &emptypb.Empty{}, &emptypb.Empty{})
}
