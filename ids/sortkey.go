package ids

import (
	"bytes"
	"encoding/binary"
)

// SortKey is the durable-table range key: device-id concatenated with
// server-timestamp, both big-endian, so that lexicographic byte ordering
// equals (device-id, server-timestamp) ordering -- the ordering Postgres's
// btree index and a DynamoDB range key would both give for free.
type SortKey [16]byte

func EncodeSortKey(deviceID uint32, serverTimestamp uint64) SortKey {
	var k SortKey
	binary.BigEndian.PutUint32(k[0:4], deviceID)
	// 4 bytes reserved/zero for alignment with a future wider device id.
	binary.BigEndian.PutUint64(k[8:16], serverTimestamp)
	return k
}

func (k SortKey) DeviceID() uint32 {
	return binary.BigEndian.Uint32(k[0:4])
}

func (k SortKey) ServerTimestamp() uint64 {
	return binary.BigEndian.Uint64(k[8:16])
}

func CompareSortKey(a, b SortKey) int {
	return bytes.Compare(a[:], b[:])
}
