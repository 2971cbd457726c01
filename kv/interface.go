package kv

import (
	"context"
)

// Service is the request path between a clerk and a KV server. The
// server implements it directly; transport decorators wrap another
// Service and forward to it.
//
// Get returns the value and version for the key, or ErrNoKey if the
// key does not exist. Get never mutates the store.
//
// Put updates the value for a key if the request's version matches the
// version of the key on the server, incrementing the key's version by
// one. If the versions don't match it returns ErrVersion. If the key
// doesn't exist, Put installs the value with version 1 when the
// request's version is 0, and returns ErrNoKey otherwise. The server
// records only the latest reply per client: a request carrying the
// same (ClientID, Seq) identity as that reply is not re-executed and
// gets the recorded reply verbatim, while a request with a lower Seq
// is executed as if it had never been seen.
//
// Either operation may return ErrDropped when the implementation
// traverses an unreliable transport. ErrDropped leaves the caller
// without knowledge of whether the server executed the operation.
type Service interface {
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)
	Put(ctx context.Context, req *PutRequest) (*PutResponse, error)
}
