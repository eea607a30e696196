package bitcask

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"

	"fincask/errs"
)

// Flag marks the state of a record. FlagDeleted records are tombstones
// carrying no value.
const (
	FlagNormal uint32 = iota
	FlagDeleted
)

// HeaderSize is the fixed prefix before key and value bytes:
// timestamp(8) + flags(4) + keyLen(4) + valueLen(4).
const HeaderSize = 20

// MaxKeySize and MaxValueSize bound a single record, guarding against a
// corrupt length prefix turning into a multi-gigabyte allocation.
const (
	MaxKeySize   = 32 << 20
	MaxValueSize = 32 << 20
)

var crcTable = crc64.MakeTable(crc64.ISO)

// Record is one length-prefixed entry appended to a data file.
type Record struct {
	Timestamp int64
	Flags     uint32
	Key       []byte
	Value     []byte
}

// encodeRecord lays out [timestamp|flags|keyLen|valueLen|key|value|crc64],
// all fixed fields big-endian, grounded on the teacher's encodeRecord.
func encodeRecord(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errs.ErrNilRecord
	}
	if len(r.Key) == 0 {
		return nil, errs.ErrEmptyKey
	}
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: key length %d exceeds maximum %d", errs.ErrKeyTooLarge, len(r.Key), MaxKeySize)
	}
	if len(r.Value) > MaxValueSize {
		return nil, fmt.Errorf("%w: value length %d exceeds maximum %d", errs.ErrValueTooLarge, len(r.Value), MaxValueSize)
	}

	keyLen, valueLen := len(r.Key), len(r.Value)
	dataSize := HeaderSize + keyLen + valueLen
	buf := make([]byte, dataSize+8)

	binary.BigEndian.PutUint64(buf[0:8], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(buf[8:12], r.Flags)
	binary.BigEndian.PutUint32(buf[12:16], uint32(keyLen))
	binary.BigEndian.PutUint32(buf[16:20], uint32(valueLen))
	copy(buf[HeaderSize:HeaderSize+keyLen], r.Key)
	copy(buf[HeaderSize+keyLen:dataSize], r.Value)

	checksum := crc64.Checksum(buf[:dataSize], crcTable)
	binary.BigEndian.PutUint64(buf[dataSize:], checksum)

	return buf, nil
}

// decodeRecord is encodeRecord's inverse, re-deriving and checking the
// trailing checksum before trusting the payload.
func decodeRecord(data []byte) (*Record, error) {
	if len(data) < HeaderSize+8 {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", errs.ErrInsufficientData, len(data), HeaderSize+8)
	}

	timestamp := int64(binary.BigEndian.Uint64(data[0:8]))
	flags := binary.BigEndian.Uint32(data[8:12])
	keyLen := binary.BigEndian.Uint32(data[12:16])
	valueLen := binary.BigEndian.Uint32(data[16:20])

	if keyLen > MaxKeySize {
		return nil, errs.ErrKeyTooLarge
	}
	if valueLen > MaxValueSize {
		return nil, errs.ErrValueTooLarge
	}

	expectedLen := HeaderSize + int(keyLen) + int(valueLen) + 8
	if len(data) != expectedLen {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", errs.ErrDataLengthInvalid, len(data), expectedLen)
	}

	dataSize := len(data) - 8
	storedChecksum := binary.BigEndian.Uint64(data[dataSize:])
	calculated := crc64.Checksum(data[:dataSize], crcTable)
	if calculated != storedChecksum {
		return nil, fmt.Errorf("%w: stored=%x, calculated=%x", errs.ErrChecksumMismatch, storedChecksum, calculated)
	}

	keyStart := HeaderSize
	keyEnd := keyStart + int(keyLen)
	valueEnd := keyEnd + int(valueLen)

	key := make([]byte, keyLen)
	value := make([]byte, valueLen)
	copy(key, data[keyStart:keyEnd])
	copy(value, data[keyEnd:valueEnd])

	return &Record{Timestamp: timestamp, Flags: flags, Key: key, Value: value}, nil
}
