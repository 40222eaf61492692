// Package redis provides the connection layer for the shared cache tier.
//
// Supported deployment modes include standalone, sentinel, and cluster, with
// optional TLS and static-password auth. NewWithRetry retries the initial
// connection so that a process can start before its cache is reachable.
package redis
