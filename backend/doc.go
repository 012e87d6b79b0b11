// Package backend speaks the ad server wire protocol.
//
// Every message, in both directions, is an 8-byte header followed by the
// payload:
//
//	+----------------+----------------+-----------------+
//	| magic (4, LE)  | length (4, BE) | payload ...     |
//	+----------------+----------------+-----------------+
//
// The magic is 0xE8 written in little-endian order (E8 00 00 00 on the
// wire); the length is the payload size in network byte order. A response
// whose magic differs, or that carries more bytes than its header declares,
// is a protocol violation and none of its body is released.
//
// Client sends one request per connection and fails over across its
// configured servers according to a next_upstream policy.
package backend
