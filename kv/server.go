package kv

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"go.uber.org/zap"

	"github.com/jrife/lagopus/utils/log"
)

var _ Service = (*KVServer)(nil)

// ServerConfig contains configuration
// for a KV server
type ServerConfig struct {
	Logger *zap.Logger
}

// ServerStats is a point-in-time summary of server state
type ServerStats struct {
	NumKeys       int
	CachedReplies int
}

type entry struct {
	value   string
	version uint64
}

// session records the latest reply sent to a client. A retry carrying
// the same sequence number is answered from here without touching the
// store, which is what makes Put at-most-once.
type session struct {
	seq uint64
	res *PutResponse
	err error
}

// KVServer is an in-memory versioned KV store. Each key carries a
// version starting at 1 on creation and incremented by one on every
// successful Put. A single mutex serializes every operation end to
// end: duplicate detection, the conditional mutation, and the reply
// recording are one critical section, so the history of all Gets and
// Puts is linearizable.
type KVServer struct {
	mu       sync.Mutex
	logger   *zap.Logger
	data     *treemap.Map
	sessions map[string]session
}

// NewServer creates an empty KV server
func NewServer(config ServerConfig) *KVServer {
	server := &KVServer{logger: config.Logger}

	if server.logger == nil {
		server.logger = zap.L()
	}

	server.data = treemap.NewWithStringComparator()
	server.sessions = map[string]session{}

	return server
}

// Get implements Service.Get. It is a pure read: it does not touch the
// store or the session cache, so retrying it any number of times is
// harmless.
func (server *KVServer) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	logger := log.WithContext(ctx, server.logger).With(zap.String("operation", "Get"), zap.String("key", req.Key))

	server.mu.Lock()
	defer server.mu.Unlock()

	raw, ok := server.data.Get(req.Key)

	if !ok {
		logger.Debug("return from Get()", zap.Error(ErrNoKey))

		return nil, ErrNoKey
	}

	e := raw.(entry)

	logger.Debug("return from Get()", zap.String("value", e.value), zap.Uint64("version", e.version))

	return &GetResponse{Value: e.value, Version: e.version}, nil
}

// Put implements Service.Put
func (server *KVServer) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	logger := log.WithContext(ctx, server.logger).With(zap.String("operation", "Put"), zap.String("key", req.Key), zap.String("client_id", req.ClientID), zap.Uint64("seq", req.Seq))

	server.mu.Lock()
	defer server.mu.Unlock()

	cached, ok := server.sessions[req.ClientID]

	if ok && cached.seq == req.Seq {
		logger.Debug("duplicate request, replying from session cache", zap.Error(cached.err))

		return cached.res, cached.err
	}

	if ok && cached.seq > req.Seq {
		// Correct clients issue requests sequentially, so a sequence
		// number below the cached one means the caller broke the
		// contract. Execute it as if uncached, but keep the newer
		// recorded reply.
		logger.Warn("stale sequence number", zap.Uint64("cached_seq", cached.seq))
	}

	res, err := server.apply(req)

	if !ok || req.Seq > cached.seq {
		server.sessions[req.ClientID] = session{seq: req.Seq, res: res, err: err}
	}

	logger.Debug("return from Put()", zap.Error(err))

	return res, err
}

// apply performs the conditional write. Callers must hold server.mu.
func (server *KVServer) apply(req *PutRequest) (*PutResponse, error) {
	raw, ok := server.data.Get(req.Key)

	if !ok {
		if req.Version != 0 {
			return nil, ErrNoKey
		}

		server.data.Put(req.Key, entry{value: req.Value, version: 1})

		return &PutResponse{}, nil
	}

	e := raw.(entry)

	if req.Version != e.version {
		return nil, ErrVersion
	}

	server.data.Put(req.Key, entry{value: req.Value, version: e.version + 1})

	return &PutResponse{}, nil
}

// Keys lists every key in the store in ascending lexicographical order.
func (server *KVServer) Keys() []string {
	server.mu.Lock()
	defer server.mu.Unlock()

	keys := make([]string, 0, server.data.Size())

	for _, raw := range server.data.Keys() {
		keys = append(keys, raw.(string))
	}

	return keys
}

// Stats returns a summary of the server's current state
func (server *KVServer) Stats() ServerStats {
	server.mu.Lock()
	defer server.mu.Unlock()

	return ServerStats{
		NumKeys:       server.data.Size(),
		CachedReplies: len(server.sessions),
	}
}
