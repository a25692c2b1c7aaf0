package hls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"testing"
)

func encryptForTest(t *testing.T, plaintext, key []byte, index int) []byte {
	t.Helper()
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(index))

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestDecryptSegment(t *testing.T) {
	key := []byte("0123456789abcdef")
	plaintext := []byte("aac frame data that is not block aligned")

	encrypted := encryptForTest(t, plaintext, key, 42)
	got, err := DecryptSegment(encrypted, key, 42)
	if err != nil {
		t.Fatalf("DecryptSegment: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("roundtrip mismatch: got %q", got)
	}
}

func TestDecryptSegmentWrongLength(t *testing.T) {
	if _, err := DecryptSegment([]byte("short"), []byte("0123456789abcdef"), 0); err == nil {
		t.Fatal("expected error for non-block-aligned input")
	}
}

func TestDecodeKey(t *testing.T) {
	raw, err := DecodeKey([]byte(`{"keyId":"k1","key":"MDEyMzQ1Njc4OWFiY2RlZg=="}`))
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	if string(raw) != "0123456789abcdef" {
		t.Errorf("key = %q", raw)
	}

	// Raw binary responses pass through unchanged.
	bin := []byte{0x01, 0x02, 0x03}
	got, err := DecodeKey(bin)
	if err != nil {
		t.Fatalf("DecodeKey raw: %v", err)
	}
	if !bytes.Equal(got, bin) {
		t.Errorf("raw key = %v", got)
	}
}

func TestSegmentIV(t *testing.T) {
	iv := SegmentIV(258)
	if len(iv) != 16 {
		t.Fatalf("iv length = %d", len(iv))
	}
	if iv[14] != 1 || iv[15] != 2 {
		t.Errorf("iv tail = %v, want big-endian index", iv[14:])
	}
}
