// Package protocol defines the wire surface shared by the broker and its
// clients: the message envelope, the closed set of message types and their
// payload shapes, quorum rules, and the framed-JSON codec.
package protocol
