package kv

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrife/lagopus/utils/log"
	"github.com/jrife/lagopus/utils/uuid"
)

const (
	// DefaultMaxRetries bounds how many times a clerk delivers a
	// single logical operation, the first attempt included, before
	// giving up.
	DefaultMaxRetries = 10
	// DefaultRetryDelay is the base delay of the backoff schedule.
	DefaultRetryDelay = 10 * time.Millisecond
	// DefaultMaxDelay caps the backoff schedule.
	DefaultMaxDelay = time.Second
)

// ClerkConfig contains configuration
// for a clerk
type ClerkConfig struct {
	// MaxRetries bounds the attempts per logical operation.
	// 0 means DefaultMaxRetries.
	MaxRetries int
	// RetryDelay is the base backoff delay. 0 means DefaultRetryDelay.
	RetryDelay time.Duration
	// MaxDelay caps the backoff delay. 0 means DefaultMaxDelay.
	MaxDelay time.Duration
	Logger   *zap.Logger
}

// Clerk wraps a Service with retries, turning best-effort delivery
// into a three-valued contract: definite success (nil), definite
// failure (ErrNoKey, ErrVersion), or ambiguity (ErrMaybe, ErrTimeout).
//
// Each clerk owns a fresh client id and a sequence counter. A logical
// operation captures one sequence number and reuses it across every
// retry, so the server's session cache can recognize redeliveries.
// A single clerk is intended for one caller at a time; the sequence
// counter is guarded so that concurrent callers sharing a clerk never
// collide on the same sequence number.
type Clerk struct {
	service    Service
	logger     *zap.Logger
	clientID   string
	maxRetries int
	retryDelay time.Duration
	maxDelay   time.Duration

	mu  sync.Mutex
	seq uint64
}

// NewClerk creates a clerk for the service with a fresh client id
func NewClerk(service Service, config ClerkConfig) *Clerk {
	clerk := &Clerk{
		service:    service,
		logger:     config.Logger,
		clientID:   uuid.MustUUID(),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
		maxDelay:   config.MaxDelay,
	}

	if clerk.logger == nil {
		clerk.logger = zap.L()
	}

	if clerk.maxRetries <= 0 {
		clerk.maxRetries = DefaultMaxRetries
	}

	if clerk.retryDelay <= 0 {
		clerk.retryDelay = DefaultRetryDelay
	}

	if clerk.maxDelay <= 0 {
		clerk.maxDelay = DefaultMaxDelay
	}

	clerk.logger = clerk.logger.With(zap.String("client_id", clerk.clientID))

	return clerk
}

// ClientID returns the clerk's stable client id
func (clerk *Clerk) ClientID() string {
	return clerk.clientID
}

func (clerk *Clerk) nextSeq() uint64 {
	clerk.mu.Lock()
	defer clerk.mu.Unlock()

	clerk.seq++

	return clerk.seq
}

// backoff sleeps for the attempt's slot in an exponential schedule
// with 10% jitter, or returns early if the context is canceled.
func (clerk *Clerk) backoff(ctx context.Context, attempt int) error {
	delay := clerk.retryDelay << uint(attempt)

	if delay > clerk.maxDelay || delay <= 0 {
		delay = clerk.maxDelay
	}

	delay += time.Duration(float64(delay) * 0.1 * rand.Float64())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Get reads the value and version for key. It retries through dropped
// messages: reads are idempotent at the server, so redelivery is
// harmless. It returns ErrNoKey if the key does not exist and
// ErrTimeout if the retry budget elapses without ever hearing back.
func (clerk *Clerk) Get(ctx context.Context, key string) (string, uint64, error) {
	logger := log.WithContext(ctx, clerk.logger).With(zap.String("operation", "Get"), zap.String("key", key))
	logger.Debug("start Get()")

	req := &GetRequest{Key: key}

	for attempt := 0; attempt < clerk.maxRetries; attempt++ {
		res, err := clerk.service.Get(ctx, req)

		switch err {
		case nil:
			logger.Debug("return from Get()", zap.String("value", res.Value), zap.Uint64("version", res.Version))

			return res.Value, res.Version, nil
		case ErrNoKey:
			logger.Debug("return from Get()", zap.Error(ErrNoKey))

			return "", 0, ErrNoKey
		case ErrDropped:
			if attempt == clerk.maxRetries-1 {
				break
			}

			if err := clerk.backoff(ctx, attempt); err != nil {
				logger.Debug("canceled during backoff", zap.Error(err))

				return "", 0, ErrTimeout
			}
		default:
			err = wrapError("get failed", err)

			logger.Debug("error", zap.Error(err))

			return "", 0, err
		}
	}

	logger.Debug("return from Get()", zap.Error(ErrTimeout))

	return "", 0, ErrTimeout
}

// Put writes value to key if version matches the key's current
// version on the server; version 0 creates a missing key. Nil,
// ErrNoKey and ErrVersion are definitive: the store holds the written
// value, or is untouched. ErrMaybe means an earlier delivery of this
// same operation may have been applied; the caller must re-read to
// resolve. ErrTimeout means no attempt plausibly reached the server.
func (clerk *Clerk) Put(ctx context.Context, key string, value string, version uint64) error {
	logger := log.WithContext(ctx, clerk.logger).With(zap.String("operation", "Put"), zap.String("key", key), zap.Uint64("version", version))

	req := &PutRequest{
		Key:      key,
		Value:    value,
		Version:  version,
		ClientID: clerk.clientID,
		Seq:      clerk.nextSeq(),
	}

	logger = logger.With(zap.Uint64("seq", req.Seq))
	logger.Debug("start Put()")

	// everSent tracks whether any prior attempt plausibly reached the
	// server. Once it is set, a definitive-looking rejection may be
	// evidence of our own earlier success, so it degrades to ErrMaybe.
	everSent := false

	for attempt := 0; attempt < clerk.maxRetries; attempt++ {
		_, err := clerk.service.Put(ctx, req)

		switch err {
		case nil:
			logger.Debug("return from Put()")

			return nil
		case ErrVersion:
			if everSent {
				logger.Debug("version mismatch on redelivery", zap.Error(ErrMaybe))

				return ErrMaybe
			}

			logger.Debug("return from Put()", zap.Error(ErrVersion))

			return ErrVersion
		case ErrNoKey:
			if everSent {
				logger.Debug("missing key on redelivery", zap.Error(ErrMaybe))

				return ErrMaybe
			}

			logger.Debug("return from Put()", zap.Error(ErrNoKey))

			return ErrNoKey
		case ErrDropped:
			everSent = true

			if attempt == clerk.maxRetries-1 {
				break
			}

			if err := clerk.backoff(ctx, attempt); err != nil {
				logger.Debug("canceled during backoff", zap.Error(err))

				return ErrMaybe
			}
		default:
			err = wrapError("put failed", err)

			logger.Debug("error", zap.Error(err))

			return err
		}
	}

	if everSent {
		logger.Debug("return from Put()", zap.Error(ErrMaybe))

		return ErrMaybe
	}

	logger.Debug("return from Put()", zap.Error(ErrTimeout))

	return ErrTimeout
}

// ConditionalPut is Put spelled as a compare-and-swap: it returns true
// if the write was applied and false if the version check failed.
// Ambiguous outcomes are returned unchanged.
func (clerk *Clerk) ConditionalPut(ctx context.Context, key string, value string, version uint64) (bool, error) {
	err := clerk.Put(ctx, key, value, version)

	switch err {
	case nil:
		return true, nil
	case ErrVersion:
		return false, nil
	}

	return false, err
}

// CreateIfMissing creates key with value if it does not exist. It
// returns true if this call created the key and false if the key
// already existed.
func (clerk *Clerk) CreateIfMissing(ctx context.Context, key string, value string) (bool, error) {
	err := clerk.Put(ctx, key, value, 0)

	switch err {
	case nil:
		return true, nil
	case ErrVersion:
		fallthrough
	case ErrNoKey:
		return false, nil
	}

	return false, err
}
