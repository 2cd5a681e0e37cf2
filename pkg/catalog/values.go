package catalog

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// IntervalValue is the decoded form of an interval property
type IntervalValue struct {
	Months int32 `json:"months"`
	Days   int32 `json:"days"`
	Micros int64 `json:"micros"`
}

// EncodeInt64 encodes an int64 slot value
func EncodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

// EncodeDouble encodes a double slot value
func EncodeDouble(v float64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

// EncodeBool encodes a boolean slot value
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// EncodeDate encodes a date as int32 days since the Unix epoch
func EncodeDate(t time.Time) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(t.Unix()/86400)))
	return buf
}

// EncodeTimestamp encodes a timestamp as int64 microseconds since epoch
func EncodeTimestamp(t time.Time) []byte {
	return EncodeInt64(t.UnixMicro())
}

// EncodeInterval encodes an interval value
func EncodeInterval(v IntervalValue) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.Months))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(v.Days))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(v.Micros))
	return buf
}

// DecodeValue decodes a non-string slot into its Go representation. String
// slots need overflow access and are decoded by the storage reader.
func DecodeValue(t DataType, slot []byte) (interface{}, error) {
	switch t {
	case Int64:
		return int64(binary.LittleEndian.Uint64(slot)), nil
	case Double:
		return math.Float64frombits(binary.LittleEndian.Uint64(slot)), nil
	case Boolean:
		return slot[0] != 0, nil
	case Date:
		days := int32(binary.LittleEndian.Uint32(slot))
		return time.Unix(int64(days)*86400, 0).UTC().Format("2006-01-02"), nil
	case Timestamp:
		micros := int64(binary.LittleEndian.Uint64(slot))
		return time.UnixMicro(micros).UTC().Format(time.RFC3339Nano), nil
	case Interval:
		return IntervalValue{
			Months: int32(binary.LittleEndian.Uint32(slot[0:4])),
			Days:   int32(binary.LittleEndian.Uint32(slot[4:8])),
			Micros: int64(binary.LittleEndian.Uint64(slot[8:16])),
		}, nil
	}
	return nil, fmt.Errorf("cannot decode %s slot without overflow access", t)
}
