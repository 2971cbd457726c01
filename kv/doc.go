// Package kv implements a versioned, linearizable key-value service
// and a fault-tolerant clerk for calling it.
//
// Every key carries a version. Writes are conditional on the version
// the caller expects, so a lost reply can never cause a double apply:
// the server remembers the latest reply per client and answers
// redeliveries from that record instead of re-executing them. The
// clerk layers retries over a best-effort Service and reduces every
// history of drops and replies down to three kinds of outcome for the
// caller:
//
//  - definite success: nil
//  - definite failure: ErrNoKey, ErrVersion. The store is untouched.
//  - ambiguity: ErrMaybe, ErrTimeout. The operation may or may not
//    have been applied; the caller re-reads to find out.
//
// Layers above this one (see the flock package) depend on exactly
// this contract and nothing else.
package kv
