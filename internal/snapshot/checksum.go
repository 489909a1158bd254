package snapshot

// ============================================================================
// 校驗和計算
// 職責：計算與驗證快照內容的 CRC32 校驗和
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// envelope 快照檔案的外層格式，checksum 對應 compact 後的 snapshot 內容
type envelope struct {
	Checksum uint32          `json:"checksum"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// CalculateChecksum 計算快照內容的 CRC32-IEEE 校驗和
//
// body 必須是 compact JSON；檔案中縮排過的內容需先經 json.Compact。
func CalculateChecksum(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}

// seal 將 compact 快照內容包成帶校驗和的 envelope
func seal(body []byte) ([]byte, error) {
	return json.MarshalIndent(envelope{
		Checksum: CalculateChecksum(body),
		Snapshot: body,
	}, "", "  ")
}

// open 解開 envelope 並驗證校驗和，回傳 compact 的快照內容
func open(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if len(env.Snapshot) == 0 {
		return nil, fmt.Errorf("%w: missing snapshot body", ErrCorruptedSnapshot)
	}

	var body bytes.Buffer
	if err := json.Compact(&body, env.Snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if got := CalculateChecksum(body.Bytes()); got != env.Checksum {
		return nil, fmt.Errorf("%w: checksum %08x, want %08x", ErrChecksumMismatch, got, env.Checksum)
	}
	return body.Bytes(), nil
}
