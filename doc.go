// Package tern is a pooled, multi-protocol HTTP client. One client
// multiplexes requests over HTTP/1.1, HTTP/2 and HTTP/3 connections,
// keyed by origin, with automatic retries, redirect handling and
// opportunistic WebSocket upgrade (RFC 6455 over HTTP/1.1, RFC 8441
// over HTTP/2).
//
// The zero-config path:
//
//	resp, err := tern.Request(ctx, "GET", "https://example.org/")
//	if err != nil { ... }
//	defer resp.Close()
//	body, _ := resp.Bytes()
//
// A configured client:
//
//	client, err := tern.New(
//		tern.WithConfigFile("tern.yaml"),
//		tern.WithLogger(slogger),
//	)
//	defer client.Close()
//
// Connections are pooled per (scheme, host, port, TLS profile) origin.
// Multiplexed connections carry concurrent streams up to the negotiated
// limit; HTTP/1.1 connections carry exactly one request at a time and
// are reused LIFO. Idle multiplexed connections are kept verified with
// protocol-level pings.
package tern
