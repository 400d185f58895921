package crypto

import "encoding/base64"

// B64 returns unpadded standard base64, the wire form for keys and blobs.
func B64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// FromB64 decodes unpadded standard base64.
func FromB64(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }
