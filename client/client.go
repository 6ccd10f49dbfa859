// Package client provides a load-generating client for a replica set. It
// paces submissions with a token bucket, follows leader redirects, and
// records commit latency.
package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"golang.org/x/time/rate"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/core/logging"
	"github.com/radman021/nbft/network/wire"
)

// Target is the client endpoint of one replica.
type Target struct {
	ID      nbft.ID
	Address string
}

// Config holds the load generation parameters.
type Config struct {
	// ID identifies this client towards the replicas.
	ID nbft.ClientID
	// Targets lists the client endpoints of the replica set.
	Targets []Target
	// PayloadSize is the number of random bytes in each command.
	PayloadSize uint32
	// MaxConcurrent caps the number of requests in flight.
	MaxConcurrent uint32
	// RateLimit is the submission rate in requests per second. +Inf disables
	// pacing.
	RateLimit float64
	// RateStep raises the rate limit by this much every RateStepInterval.
	RateStep float64
	// RateStepInterval is how often the rate limit is raised.
	RateStepInterval time.Duration
	// Timeout is how long to wait for a reply before trying another replica.
	Timeout time.Duration
	// MaxAttempts is the number of replicas tried per request before giving
	// up. Zero never gives up.
	MaxAttempts int
}

type pending struct {
	reply chan wire.ClientReply
}

// Client submits generated requests to the replica set. Replies are matched
// to requests by nonce; a not_leader reply redirects the request, silence
// rotates it to the next replica.
type Client struct {
	logger  logging.Logger
	cfg     Config
	limiter *rate.Limiter
	stats   Stats

	mut     sync.Mutex
	dealers map[nbft.ID]zmq4.Socket
	waiting map[uint64]pending
	leader  nbft.ID

	sendMut  sync.Mutex // sockets are shared by the submit goroutines
	inflight chan struct{}
	ctx      context.Context
	wg       sync.WaitGroup
}

// New creates a new Client. The first target is the initial leader guess.
func New(cfg Config) (*Client, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("no replicas to connect to")
	}
	if cfg.ID == 0 {
		return nil, fmt.Errorf("client id must not be zero")
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 && !math.IsInf(cfg.RateLimit, 1) {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		logger:  logging.New(fmt.Sprintf("cli%d", cfg.ID)),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		dealers: make(map[nbft.ID]zmq4.Socket),
		waiting: make(map[uint64]pending),
		leader:  cfg.Targets[0].ID,

		inflight: make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Run generates and submits requests until the context is canceled, then
// waits for the requests still in flight.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	if c.cfg.RateStep > 0 && c.cfg.RateStepInterval > 0 {
		go c.stepRate(ctx)
	}

	c.stats.Start()
	defer c.stats.End()

	c.logger.Info("starting to send requests")
	nonce := uint64(0)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case c.inflight <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		nonce++
		command, err := c.makeCommand()
		if err != nil {
			<-c.inflight
			return fmt.Errorf("generating command: %w", err)
		}
		c.wg.Add(1)
		go c.submit(ctx, wire.Request{
			Client:  uint32(c.cfg.ID),
			Nonce:   nonce,
			Command: command,
		})
		if nonce%100 == 0 {
			c.logger.Infof("%d requests sent", nonce)
		}
	}
	c.wg.Wait()
	c.close()
	c.logger.Info("done sending requests")
	return nil
}

// Result returns the statistics gathered so far.
func (c *Client) Result() Result {
	return c.stats.Result()
}

// stepRate raises the rate limit periodically so a run can probe for the
// saturation point.
func (c *Client) stepRate(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RateStepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			limit := c.limiter.Limit() + rate.Limit(c.cfg.RateStep)
			c.limiter.SetLimit(limit)
			c.logger.Infof("rate limit raised to %.1f/s", float64(limit))
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) makeCommand() (string, error) {
	buf := make([]byte, c.cfg.PayloadSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// submit sends one request and follows it until it commits, the attempts run
// out, or the context ends. The same nonce is kept across resends so the
// replicas deduplicate retries.
func (c *Client) submit(ctx context.Context, request wire.Request) {
	defer c.wg.Done()
	defer func() { <-c.inflight }()

	replies := make(chan wire.ClientReply, 1)
	c.mut.Lock()
	c.waiting[request.Nonce] = pending{reply: replies}
	c.mut.Unlock()
	defer func() {
		c.mut.Lock()
		delete(c.waiting, request.Nonce)
		c.mut.Unlock()
	}()

	sendTime := time.Now()
	target := c.currentLeader()
	for attempt := 1; ; attempt++ {
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			c.logger.Warnf("giving up on request %d", request.Nonce)
			c.stats.AddFailure()
			return
		}
		if err := c.send(target, request); err != nil {
			c.logger.Debugf("send to replica %d failed: %v", target, err)
		}
		timeout := time.NewTimer(c.cfg.Timeout)
		select {
		case reply := <-replies:
			timeout.Stop()
			switch reply.Status {
			case wire.StatusCommitted, wire.StatusDuplicate:
				c.stats.AddLatency(time.Since(sendTime))
				return
			case wire.StatusNotLeader:
				target = nbft.ID(reply.Leader)
				c.setLeader(target)
			case wire.StatusError:
				c.logger.Debugf("replica %d rejected request %d: %s", target, request.Nonce, reply.Error)
				target = c.nextTarget(target)
			}
		case <-timeout.C:
			// the leader may be gone; try the next replica
			target = c.nextTarget(target)
		case <-ctx.Done():
			timeout.Stop()
			c.stats.AddFailure()
			return
		}
	}
}

func (c *Client) currentLeader() nbft.ID {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.leader
}

func (c *Client) setLeader(id nbft.ID) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.leader = id
}

func (c *Client) nextTarget(after nbft.ID) nbft.ID {
	for i, t := range c.cfg.Targets {
		if t.ID == after {
			return c.cfg.Targets[(i+1)%len(c.cfg.Targets)].ID
		}
	}
	return c.cfg.Targets[0].ID
}

func (c *Client) send(id nbft.ID, request wire.Request) error {
	data, err := json.Marshal(request)
	if err != nil {
		return err
	}
	dealer, err := c.dealer(id)
	if err != nil {
		return err
	}
	c.sendMut.Lock()
	err = dealer.Send(zmq4.NewMsg(data))
	c.sendMut.Unlock()
	if err != nil {
		// drop the connection so the next send redials
		c.dropDealer(id)
		return err
	}
	return nil
}

func (c *Client) dealer(id nbft.ID) (zmq4.Socket, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if dealer, ok := c.dealers[id]; ok {
		return dealer, nil
	}
	var address string
	for _, t := range c.cfg.Targets {
		if t.ID == id {
			address = t.Address
		}
	}
	if address == "" {
		return nil, fmt.Errorf("unknown replica %d", id)
	}
	dealer := zmq4.NewDealer(c.ctx, zmq4.WithID(zmq4.SocketIdentity(fmt.Sprintf("cli%d", c.cfg.ID))))
	if err := dealer.Dial(address); err != nil {
		return nil, fmt.Errorf("failed to dial replica %d at %s: %w", id, address, err)
	}
	c.dealers[id] = dealer
	go c.receive(dealer)
	return dealer, nil
}

func (c *Client) dropDealer(id nbft.ID) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if dealer, ok := c.dealers[id]; ok {
		if err := dealer.Close(); err != nil {
			c.logger.Debugf("closing dealer: %v", err)
		}
		delete(c.dealers, id)
	}
}

// receive dispatches the replies arriving on one connection to the waiting
// submissions. Late replies to settled requests are dropped.
func (c *Client) receive(dealer zmq4.Socket) {
	for {
		msg, err := dealer.Recv()
		if err != nil {
			return
		}
		var reply wire.ClientReply
		if err := json.Unmarshal(msg.Bytes(), &reply); err != nil {
			c.logger.Debugf("dropping malformed reply: %v", err)
			continue
		}
		c.mut.Lock()
		waiter, ok := c.waiting[reply.Nonce]
		c.mut.Unlock()
		if !ok {
			continue
		}
		select {
		case waiter.reply <- reply:
		default:
		}
	}
}

func (c *Client) close() {
	c.mut.Lock()
	defer c.mut.Unlock()
	for id, dealer := range c.dealers {
		if err := dealer.Close(); err != nil {
			c.logger.Debugf("closing dealer for replica %d: %v", id, err)
		}
		delete(c.dealers, id)
	}
}
