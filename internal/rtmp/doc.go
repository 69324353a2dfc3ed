// Package rtmp implements the RTMP wire protocol: the C0/C1/C2 handshake
// (simple and HMAC-digest variants), the chunk stream demultiplexer
// ([Reader]) and multiplexer ([Writer]), protocol control messages, message
// classification, timestamp sanity checking, and AMF0 command helpers.
//
// This package contains no session, registry or relay logic; those live in
// [github.com/zsiec/rtmp-relay/internal/session],
// [github.com/zsiec/rtmp-relay/internal/stream] and
// [github.com/zsiec/rtmp-relay/internal/relay].
package rtmp
