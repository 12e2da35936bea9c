package crypto

// BlockSize is the AES block size in bytes.
const BlockSize = 16

// Pad appends PKCS#7 padding. The pad length is always between 1 and
// BlockSize; block-aligned input gains a full extra block so that Unpad can
// always trust the final byte.
func Pad(data []byte) []byte {
	n := BlockSize - len(data)%BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// Unpad strips the number of bytes named by the final byte. The padding
// content is not verified; callers that need authenticated plaintext use
// GCM, where the module rejects tampered input before unpadding ever runs.
func Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n >= len(data) {
		return data[:0]
	}
	return data[:len(data)-n]
}

// encryptBufferSize computes the output capacity declared to the module for
// an encryption call: the data rounded up to whole multiples of the key
// length, plus one more key length. Sized by key length rather than block
// size, so larger keys over-allocate; never under.
func encryptBufferSize(dataLen, keyLen int) int {
	blocks := (dataLen + keyLen - 1) / keyLen
	return blocks*keyLen + keyLen
}
