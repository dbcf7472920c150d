// Package signaling contains the HTTP rendezvous mailbox that carries WebRTC
// handshake messages (offer, answer, ICE candidates) between the mobile and
// desktop roles.
//
// Neither role can reach the other directly before the peer connection exists,
// so each one posts its messages into a direction-scoped FIFO queue and polls
// the opposite queue. The relay never interprets the payloads beyond checking
// that they are one of the three known shapes.
package signaling
