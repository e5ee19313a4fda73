package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將事件除 Checksum 外的所有欄位以 '|' 串接
// - 使用 CRC32-IEEE 多項式計算
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	for _, s := range []string{
		string(event.Type),
		event.DistributionID,
		event.GroupID,
		event.MessageID,
		string(event.Strategy),
		strconv.Itoa(event.Recipients),
		strconv.Itoa(event.Delivered),
		strconv.Itoa(event.Failed),
		strings.Join(event.FailedRecipients, ","),
		strconv.FormatInt(event.Timestamp, 10),
	} {
		b.WriteByte('|')
		b.WriteString(s)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
