package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodePayload serializes an arbitrary value into the compact binary
// payload format. The broker core never inspects the bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, &Error{Code: CodeInvalidPayload, Message: fmt.Sprintf("payload not serializable: %s", err)}
	}
	return buf, nil
}

// DecodePayload deserializes a payload produced by EncodePayload.
func DecodePayload(buf []byte, v interface{}) error {
	if err := msgpack.Unmarshal(buf, v); err != nil {
		return &Error{Code: CodeInvalidPayload, Message: fmt.Sprintf("payload decode: %s", err)}
	}
	return nil
}

// Fingerprint returns the content hash of (type, payload) used for
// opportunistic deduplication within the fingerprint TTL window.
func Fingerprint(jobType string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
