package hls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// DecodeKey extracts the raw 16-byte AES key from a key endpoint response.
// The endpoint wraps the key as base64 inside JSON; players want raw bytes.
func DecodeKey(body []byte) ([]byte, error) {
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		var payload struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decode key response: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(payload.Key)
		if err != nil {
			return nil, fmt.Errorf("decode key material: %w", err)
		}
		return raw, nil
	}
	return body, nil
}

// SegmentIV derives the 16-byte CBC initialization vector from the segment's
// playlist index, big-endian in the low bytes.
func SegmentIV(index int) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(index))
	return iv
}

// DecryptSegment decrypts an AES-128-CBC segment in place and strips PKCS#7
// padding when present. Key must be 16 bytes.
func DecryptSegment(data, key []byte, index int) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("segment cipher: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("segment length %d not a block multiple", len(data))
	}

	cipher.NewCBCDecrypter(block, SegmentIV(index)).CryptBlocks(data, data)

	// Padded segments end in 1..16 copies of the pad length byte.
	pad := int(data[len(data)-1])
	if pad >= 1 && pad <= aes.BlockSize && pad <= len(data) {
		valid := true
		for _, b := range data[len(data)-pad:] {
			if int(b) != pad {
				valid = false
				break
			}
		}
		if valid {
			data = data[:len(data)-pad]
		}
	}
	return data, nil
}
