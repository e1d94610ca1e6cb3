package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeStruct(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  uint64 `bencode:"p"`
	}{}
	buf := []byte("d1:j10:01234567891:m4:01231:pi1234ee")
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.Equal(obj.Peter, uint64(1234))
	require.Equal(obj.Joseph, []byte("0123456789"))
	require.Equal(obj.Mary, []byte("0123"))
}

func TestOutOfOrderDictionary(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  uint64 `bencode:"p"`
	}{}
	buf := []byte("d1:m4:01231:j10:01234567891:pi1234ee")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}

func TestMissingKey(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  uint64 `bencode:"p"`
	}{}
	buf := []byte("d1:j10:01234567891:pi1234ee")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}

func TestDecodeFixedByteArray(t *testing.T) {
	require := require.New(t)

	obj := struct {
		GUID [4]byte `bencode:"g"`
	}{}
	buf := []byte("d1:g4:\xde\xad\xbe\xefe")
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.Equal([4]byte{0xde, 0xad, 0xbe, 0xef}, obj.GUID)
}

func TestDecodeBool(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Sealed bool `bencode:"z"`
	}{}
	buf := []byte("d1:zi1ee")
	err := Deserialize(buf, &obj)
	require.Nil(err)
	require.True(obj.Sealed)
}

func TestUint32Overflow(t *testing.T) {
	require := require.New(t)
	obj := struct {
		Mary uint32 `bencode:"m"`
	}{}
	buf := []byte("d1:mi4294967296ee")
	err := Deserialize(buf, &obj)
	require.NotNil(err)
}
