package wal

import (
	"encoding/binary"
	"hash/crc32"

	"docengine/engineerr"
)

// RecordType tags a WAL record's payload shape (spec.md §4.6).
type RecordType uint8

const (
	RecordPut RecordType = iota + 1
	RecordDelete
	RecordTxnCommit
	RecordTxnAbort
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordPut:
		return "Put"
	case RecordDelete:
		return "Delete"
	case RecordTxnCommit:
		return "TxnCommit"
	case RecordTxnAbort:
		return "TxnAbort"
	case RecordCheckpoint:
		return "Checkpoint"
	default:
		return "Unknown"
	}
}

// Record is one decoded WAL entry.
type Record struct {
	LSN     uint64
	PrevLSN uint64
	Type    RecordType
	Payload []byte
}

// encode frames r as length|lsn|prev_lsn|type|payload|crc32, all fields
// little-endian per spec.md §4.3/§4.6, with crc32 computed over
// everything except the leading length field (mirroring the teacher
// WAL's "CRC over LSN+data" discipline, extended to cover the full
// record body so a truncated write is caught on replay).
func (r Record) encode() []byte {
	bodyLen := 8 + 8 + 1 + len(r.Payload)
	buf := make([]byte, 4+bodyLen+4)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	body := buf[4 : 4+bodyLen]
	binary.LittleEndian.PutUint64(body[0:8], r.LSN)
	binary.LittleEndian.PutUint64(body[8:16], r.PrevLSN)
	body[16] = byte(r.Type)
	copy(body[17:], r.Payload)

	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(buf[4+bodyLen:], crc)
	return buf
}

// decodeRecord reads one framed record from buf and returns it; the
// bytes it spans are 4 + length + 4. buf must contain at least one full
// record; callers read the 4-byte length prefix first to know how much
// more to read before calling this.
func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < 4 {
		return Record{}, engineerr.New(engineerr.KindCorruption, "wal record truncated before length prefix")
	}
	bodyLen := binary.LittleEndian.Uint32(buf[0:4])
	want := 4 + int(bodyLen) + 4
	if len(buf) < want {
		return Record{}, engineerr.New(engineerr.KindCorruption, "wal record truncated before end")
	}
	body := buf[4 : 4+bodyLen]
	crcWant := binary.LittleEndian.Uint32(buf[4+bodyLen : want])
	if crc32.ChecksumIEEE(body) != crcWant {
		return Record{}, engineerr.New(engineerr.KindCorruption, "wal record crc mismatch")
	}

	rec := Record{
		LSN:     binary.LittleEndian.Uint64(body[0:8]),
		PrevLSN: binary.LittleEndian.Uint64(body[8:16]),
		Type:    RecordType(body[16]),
		Payload: append([]byte(nil), body[17:]...),
	}
	return rec, nil
}

// putStore appends a store name with the spec's u16 store_len prefix
// (spec.md §4.6: "store_len(u16)").
func putStore(buf *[]byte, s string) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	*buf = append(*buf, lenBuf[:]...)
	*buf = append(*buf, s...)
}

func takeStore(buf []byte) (store string, rest []byte, err error) {
	if len(buf) < 2 {
		return "", nil, engineerr.New(engineerr.KindCorruption, "wal payload truncated before store_len")
	}
	n := binary.LittleEndian.Uint16(buf[0:2])
	buf = buf[2:]
	if uint16(len(buf)) < n {
		return "", nil, engineerr.New(engineerr.KindCorruption, "wal payload truncated inside store name")
	}
	return string(buf[:n]), buf[n:], nil
}

// putField appends a key or value with the spec's u32 length prefix
// (spec.md §4.6: "klen(u32)", "vlen(u32)").
func putField(buf *[]byte, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	*buf = append(*buf, lenBuf[:]...)
	*buf = append(*buf, b...)
}

func takeField(buf []byte) (b []byte, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, engineerr.New(engineerr.KindCorruption, "wal payload truncated before length-prefixed field")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, engineerr.New(engineerr.KindCorruption, "wal payload truncated inside length-prefixed field")
	}
	return buf[:n], buf[n:], nil
}

// PutPayload is the decoded form of a RecordPut payload:
// store_len(u16) | store | klen(u32) | k | vlen(u32) | v | txn_id(u64),
// all little-endian, per spec.md §4.6.
type PutPayload struct {
	Store string
	Key   []byte
	Value []byte
	TxnID uint64
}

func encodePut(p PutPayload) []byte {
	var buf []byte
	putStore(&buf, p.Store)
	putField(&buf, p.Key)
	putField(&buf, p.Value)
	var txnBuf [8]byte
	binary.LittleEndian.PutUint64(txnBuf[:], p.TxnID)
	buf = append(buf, txnBuf[:]...)
	return buf
}

func DecodePut(payload []byte) (PutPayload, error) {
	store, rest, err := takeStore(payload)
	if err != nil {
		return PutPayload{}, err
	}
	key, rest, err := takeField(rest)
	if err != nil {
		return PutPayload{}, err
	}
	value, rest, err := takeField(rest)
	if err != nil {
		return PutPayload{}, err
	}
	if len(rest) < 8 {
		return PutPayload{}, engineerr.New(engineerr.KindCorruption, "wal put payload missing txn id")
	}
	return PutPayload{
		Store: store,
		Key:   key,
		Value: value,
		TxnID: binary.LittleEndian.Uint64(rest[0:8]),
	}, nil
}

// DeletePayload is the decoded form of a RecordDelete payload:
// store_len(u16) | store | klen(u32) | k | txn_id(u64), little-endian.
type DeletePayload struct {
	Store string
	Key   []byte
	TxnID uint64
}

func encodeDelete(p DeletePayload) []byte {
	var buf []byte
	putStore(&buf, p.Store)
	putField(&buf, p.Key)
	var txnBuf [8]byte
	binary.LittleEndian.PutUint64(txnBuf[:], p.TxnID)
	buf = append(buf, txnBuf[:]...)
	return buf
}

func DecodeDelete(payload []byte) (DeletePayload, error) {
	store, rest, err := takeStore(payload)
	if err != nil {
		return DeletePayload{}, err
	}
	key, rest, err := takeField(rest)
	if err != nil {
		return DeletePayload{}, err
	}
	if len(rest) < 8 {
		return DeletePayload{}, engineerr.New(engineerr.KindCorruption, "wal delete payload missing txn id")
	}
	return DeletePayload{
		Store: store,
		Key:   key,
		TxnID: binary.LittleEndian.Uint64(rest[0:8]),
	}, nil
}

// TxnCommitPayload is txn_id | commit_ts, little-endian.
type TxnCommitPayload struct {
	TxnID    uint64
	CommitTS uint64
}

func encodeTxnCommit(p TxnCommitPayload) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], p.TxnID)
	binary.LittleEndian.PutUint64(buf[8:16], p.CommitTS)
	return buf
}

func DecodeTxnCommit(payload []byte) (TxnCommitPayload, error) {
	if len(payload) < 16 {
		return TxnCommitPayload{}, engineerr.New(engineerr.KindCorruption, "wal txn commit payload too short")
	}
	return TxnCommitPayload{
		TxnID:    binary.LittleEndian.Uint64(payload[0:8]),
		CommitTS: binary.LittleEndian.Uint64(payload[8:16]),
	}, nil
}

// TxnAbortPayload is just txn_id, little-endian.
type TxnAbortPayload struct {
	TxnID uint64
}

func encodeTxnAbort(p TxnAbortPayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.TxnID)
	return buf
}

func DecodeTxnAbort(payload []byte) (TxnAbortPayload, error) {
	if len(payload) < 8 {
		return TxnAbortPayload{}, engineerr.New(engineerr.KindCorruption, "wal txn abort payload too short")
	}
	return TxnAbortPayload{TxnID: binary.LittleEndian.Uint64(payload[0:8])}, nil
}
