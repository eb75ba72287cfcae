// Package server runs secured tool invocations.
//
// SecureServer ties the components together: every invocation enters the
// call chain, obtains a token, passes the verification gate, is signed when
// the tool opts in, and only then reaches the tool's handler. Each
// invocation moves through a fixed state machine:
//
//	PENDING -> TOKEN_ACQUIRED -> VERIFIED -> [SIGNED] -> EXECUTING -> COMPLETED
//
// Any stage may fail into FAILED. NewHandler exposes the server over HTTP.
package server
