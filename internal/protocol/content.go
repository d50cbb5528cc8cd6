// ABOUTME: Optional zstd+base64 encoding for agent payload content
// ABOUTME: Encoder and decoder are shared package-wide; both are safe for concurrent use

package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// MaxDecodedContent bounds the size of a decompressed payload.
const MaxDecodedContent = 64 << 20

// ErrEncoding is returned for an unsupported or corrupt content encoding.
var ErrEncoding = errors.New("invalid content encoding")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxDecodedContent),
	)
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// CompressContent returns content as base64 of a zstd frame.
func CompressContent(content []byte) string {
	return base64.StdEncoding.EncodeToString(zstdEncoder.EncodeAll(content, nil))
}

// DecodeContent returns the plain text of an AgentPayload.
func DecodeContent(p AgentPayload) (string, error) {
	switch p.Encoding {
	case EncodingPlain:
		return p.Content, nil
	case EncodingZstdBase64:
		raw, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return "", fmt.Errorf("%w: base64: %v", ErrEncoding, err)
		}
		plain, err := zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return "", fmt.Errorf("%w: zstd: %v", ErrEncoding, err)
		}
		return string(plain), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrEncoding, p.Encoding)
	}
}
