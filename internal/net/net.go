package net

// Package net provides the connection primitives shared by the rally server
// and client.
//
// Key components:
// - Connection: one peer over a TCP stream plus UDP datagrams
// - Dial / Accept: the two sides of the join handshake
// - NetworkSender: the send surface used by lobbies, sessions and clients
