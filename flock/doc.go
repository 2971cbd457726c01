// Package flock implements a distributed mutual-exclusion lock on top
// of the kv clerk.
//
// There is no lock primitive on the server. A lock is an ordinary key
// whose value is either a free marker or the owner id of the holder,
// and every transition is a version-conditional write: creating the
// key claims it, replacing the free marker at its observed version
// takes it over, and writing the free marker back releases it. The
// version check makes each transition exclusive, and ambiguous clerk
// outcomes are resolved by re-reading the key and looking for our own
// owner id.
package flock
