package speech

import (
	"bytes"
	"strings"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// MinAudioBytes 有效音频的最小长度，更短的负载基本都是错误信息。
const MinAudioBytes = 100

// DefaultChunkSize 发往客户端的单个音频块大小。
const DefaultChunkSize = 4096

var audioSignatures = [][]byte{
	[]byte("ID3"),
	[]byte("RIFF"),
	[]byte("OggS"),
	[]byte("fLaC"),
}

// ValidateAudio 校验合成服务返回的负载确实是音频容器，而不是文本形式的错误体。
func ValidateAudio(data []byte) error {
	if len(data) < MinAudioBytes {
		return relay.Errorf(relay.KindMalformedAudio, "audio payload too small (%d bytes)", len(data))
	}

	if looksLikeText(data) {
		return relay.Errorf(relay.KindMalformedAudio, "synthesis returned a text body instead of audio").
			WithDetail(preview(data))
	}

	// MPEG 帧同步：11 个 1
	if data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return nil
	}
	for _, sig := range audioSignatures {
		if bytes.HasPrefix(data, sig) {
			return nil
		}
	}

	return relay.Errorf(relay.KindMalformedAudio, "unrecognized audio signature 0x%02x%02x%02x", data[0], data[1], data[2])
}

// ChunkAudio 把音频切成不超过 size 的块，块共享底层数组。
func ChunkAudio(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(data) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end:end])
	}
	return chunks
}

func looksLikeText(data []byte) bool {
	head := bytes.TrimLeft(data[:min(len(data), 512)], " \t\r\n\ufeff")
	if len(head) == 0 {
		return true
	}
	switch head[0] {
	case '<', '{', '[':
		return true
	}

	lower := strings.ToLower(string(head[:min(len(head), 64)]))
	for _, marker := range []string{"error", "<!doctype", "<html", "just a moment"} {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	return false
}

func preview(data []byte) string {
	const limit = 160
	text := strings.TrimSpace(string(data[:min(len(data), limit)]))
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' {
			return -1
		}
		return r
	}, text)
}
