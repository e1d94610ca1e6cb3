// Package domain defines the types shared across the delivery pipeline:
// envelopes, identifiers, and the error taxonomy. It has no dependency on
// any other package in this module so that cache, queue, messages, presence,
// push, sender and persister can all import it without forming a cycle.
package domain

import "github.com/google/uuid"

type EnvelopeType uint8

const (
	EnvelopeTypeUnknown EnvelopeType = iota
	EnvelopeTypeCiphertext
	EnvelopeTypeReceipt
	EnvelopeTypePreKey
	EnvelopeTypeUnidentifiedSender
	EnvelopeTypeKeyExchange
)

// Envelope is the opaque unit of delivery. The payload is never inspected
// by this module; it is stored and forwarded as-is.
type Envelope struct {
	GUID             uuid.UUID    `bencode:"g"`
	Type             EnvelopeType `bencode:"t"`
	ServerTimestamp  uint64       `bencode:"s"`
	ClientTimestamp  uint64       `bencode:"c"`
	SourceUUID       uuid.UUID    `bencode:"u"`
	SourceDevice     uint32       `bencode:"d"`
	DestinationUUID  uuid.UUID    `bencode:"r"`
	DestinationDevice uint32      `bencode:"e"`
	SealedSender     bool         `bencode:"z"`
	Content          []byte       `bencode:"p"`
}

// HasSource reports whether the envelope carries an authenticated sender
// identity, false for sealed-sender envelopes.
func (e *Envelope) HasSource() bool {
	return !e.SealedSender && e.SourceUUID != uuid.Nil
}

// Ephemeral reports whether the envelope should never be persisted to
// durable storage, regardless of cache/push fallback outcome.
func (e *Envelope) Ephemeral() bool {
	return e.Type == EnvelopeTypeReceipt
}

// QueueID is a monotonically increasing per-device-queue sequence number.
type QueueID uint64

// DeviceKey identifies a single device's message queue.
type DeviceKey struct {
	AccountUUID uuid.UUID
	DeviceID    uint32
}
