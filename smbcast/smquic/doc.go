// Package smquic carries broadcast channel deliveries over QUIC.
//
// A parent process runs a [Server] next to its [smbcast.Hub].
// Every child process runs a [Client], which implements [smbcast.Subscriber].
// On connect, the child sends a hello on a unidirectional stream,
// and the server answers with its own unidirectional stream:
// first every value the hub has delivered so far,
// then each later delivery, in hub order.
//
// Both sides must present TLS configurations;
// the ALPN protocol is [NextProto].
package smquic
