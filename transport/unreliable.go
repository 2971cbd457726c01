package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrife/lagopus/kv"
	"github.com/jrife/lagopus/utils/log"
)

// Direction distinguishes the two legs of a call through the
// transport. Each leg draws its own independent drop decision.
type Direction int

const (
	// Request is the caller-to-server leg. Dropping it means the
	// server never observes the call.
	Request Direction = iota
	// Reply is the server-to-caller leg. Dropping it means the server
	// executed the operation but the caller never learns the outcome.
	Reply
)

func (direction Direction) String() string {
	if direction == Request {
		return "request"
	}

	return "reply"
}

// DropFunc decides whether a message traveling in the given direction
// is lost. Tests install scripted implementations to reproduce exact
// drop sequences.
type DropFunc func(direction Direction) bool

// Config contains configuration
// for an unreliable transport
type Config struct {
	// Unreliable enables drop simulation. When false every call is
	// delivered intact.
	Unreliable bool
	// DropRate is the probability in [0,1] that any single message
	// is lost.
	DropRate float64
	// Seed seeds the transport's RNG. 0 means seed from the clock.
	Seed int64
	// Drop, when set, replaces the Bernoulli policy entirely.
	Drop   DropFunc
	Logger *zap.Logger
}

var _ kv.Service = (*Unreliable)(nil)

// Unreliable decorates a kv.Service with probabilistic message loss.
// It holds no state beyond its RNG and drop rate; drops are
// independent across calls and across directions within a call.
type Unreliable struct {
	next   kv.Service
	logger *zap.Logger
	drop   DropFunc

	mu         sync.Mutex
	rand       *rand.Rand
	unreliable bool
	dropRate   float64
}

// NewUnreliable wraps next with drop simulation
func NewUnreliable(next kv.Service, config Config) *Unreliable {
	transport := &Unreliable{
		next:       next,
		logger:     config.Logger,
		drop:       config.Drop,
		unreliable: config.Unreliable,
		dropRate:   config.DropRate,
	}

	if transport.logger == nil {
		transport.logger = zap.L()
	}

	seed := config.Seed

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	transport.rand = rand.New(rand.NewSource(seed))

	return transport
}

// SetUnreliable reconfigures the Bernoulli drop policy at runtime. It
// has no effect on a transport constructed with a custom DropFunc.
func (transport *Unreliable) SetUnreliable(unreliable bool, dropRate float64) {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	transport.unreliable = unreliable
	transport.dropRate = dropRate
}

func (transport *Unreliable) shouldDrop(direction Direction) bool {
	if transport.drop != nil {
		return transport.drop(direction)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()

	if !transport.unreliable {
		return false
	}

	return transport.rand.Float64() < transport.dropRate
}

// Get implements kv.Service.Get
func (transport *Unreliable) Get(ctx context.Context, req *kv.GetRequest) (*kv.GetResponse, error) {
	if transport.shouldDrop(Request) {
		log.WithContext(ctx, transport.logger).Debug("dropped message", zap.String("direction", Request.String()), zap.String("operation", "Get"))

		return nil, kv.ErrDropped
	}

	res, err := transport.next.Get(ctx, req)

	if transport.shouldDrop(Reply) {
		log.WithContext(ctx, transport.logger).Debug("dropped message", zap.String("direction", Reply.String()), zap.String("operation", "Get"))

		return nil, kv.ErrDropped
	}

	return res, err
}

// Put implements kv.Service.Put
func (transport *Unreliable) Put(ctx context.Context, req *kv.PutRequest) (*kv.PutResponse, error) {
	if transport.shouldDrop(Request) {
		log.WithContext(ctx, transport.logger).Debug("dropped message", zap.String("direction", Request.String()), zap.String("operation", "Put"))

		return nil, kv.ErrDropped
	}

	res, err := transport.next.Put(ctx, req)

	if transport.shouldDrop(Reply) {
		log.WithContext(ctx, transport.logger).Debug("dropped message", zap.String("direction", Reply.String()), zap.String("operation", "Put"))

		return nil, kv.ErrDropped
	}

	return res, err
}
