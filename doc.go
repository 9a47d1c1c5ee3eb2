/*
Package cipherlink implements an encrypted point-to-point TCP tunnel. A client
accepts local plaintext connections and forwards each of them over its own
encrypted tunnel connection to a server, which relays the bytes to a fixed
plaintext destination, and back.

Both ends share a 32-byte secret key, provisioned out of band (see "cipherlink
genkey"). There is no handshake. Every message is sealed with XSalsa20-Poly1305
(NaCl secretbox) under a fresh random 24-byte nonce, and sent in one frame.

Wire format

A frame is a 9-byte header followed by the ciphertext:

	version      1 byte, always 1
	nonce_len    4 bytes big-endian, always 24
	payload_len  4 bytes big-endian, length of the sealed message
	nonce        24 bytes
	sealed       payload_len bytes, plaintext plus 16-byte authenticator

A frame with another version is rejected. Frames larger than the configured
maximum frame size are rejected as soon as their header is read.

Forwarding

Forward runs two goroutines per pair: one reads from the plaintext peer and sends
each read as a frame, the other receives frames and writes their plaintext to the
peer. When either direction ends, by a close, an error or a failed
authentication, both connections are closed. Errors only ever end the one pair
they occur on.

This package provides Dial and Listen functions similar to those in "net" for
tunnel connections, and Server and Client types that run the two ends of a
tunnel. Errors returned are typically wrapped with additional information. Use
errors.Is to check for errors.
*/
package cipherlink
