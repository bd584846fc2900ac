package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Type + DispatchID + NodeID + Seq + Payload；
// 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()

	var num [8]byte
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.DispatchID))
	h.Write([]byte{0})
	binary.BigEndian.PutUint64(num[:], uint64(event.NodeID))
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], event.Seq)
	h.Write(num[:])
	h.Write(event.Payload)

	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
