// This package defines (yet another) bencode encoding/decoding library. What is special about this
// approach is it uses tags for mapping struct fields to bencode properties.
//
// The serialization/deseriazation functions expect to be annotated with `bencode:".."` tags in the structs they serialize/deserialize to.
//
// Trimmed to the subset domain.Envelope actually exercises: bool,
// uint8/32/64, fixed byte arrays (uuid.UUID), []byte, and top-level
// structs. The teacher's generic list/dict/signed-number/pointer paths
// and the Compare fast-path are unused here and were dropped.
package bencode

const (
	numberStart    = 0x69
	dictStart      = 0x64
	bencodeEnd     = 0x65
	bytesLengthSep = 0x3a
)
