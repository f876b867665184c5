// Package frame 负责客户端与中继之间 JSON 信封的编解码。
package frame

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

var api = sonic.ConfigStd

// MaxLineSize 行分隔流中单行允许的最大字节数。
const MaxLineSize = 4 << 20

var knownClientTypes = map[string]struct{}{
	relay.ClientStart:       {},
	relay.ClientAudio:       {},
	relay.ClientStop:        {},
	relay.ClientCommit:      {},
	relay.ClientText:        {},
	relay.ClientSpeechStart: {},
	relay.ClientSave:        {},
	relay.ClientPing:        {},
}

// DecodeClient 解析一条客户端消息。
func DecodeClient(data []byte) (relay.ClientMessage, error) {
	var msg relay.ClientMessage

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return msg, relay.Errorf(relay.KindProtocol, "empty message")
	}

	if err := api.Unmarshal(data, &msg); err != nil {
		return relay.ClientMessage{}, relay.NewError(relay.KindProtocol, "invalid message", err)
	}

	msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
	if msg.Type == "" {
		return relay.ClientMessage{}, relay.Errorf(relay.KindProtocol, "message type is required")
	}
	if _, ok := knownClientTypes[msg.Type]; !ok {
		return relay.ClientMessage{}, relay.Errorf(relay.KindProtocol, "unknown message type %q", msg.Type)
	}

	switch msg.Type {
	case relay.ClientStart:
		raw := string(msg.Mode)
		if raw == "" {
			raw = msg.APIType
		}
		if mode, ok := relay.ParseMode(raw); ok {
			msg.Mode = mode
		} else {
			msg.Mode = relay.Mode(strings.TrimSpace(raw))
		}
	case relay.ClientAudio:
		if len(msg.Audio) == 0 {
			return relay.ClientMessage{}, relay.Errorf(relay.KindProtocol, "audio payload is empty")
		}
		// PCM16 每个采样两个字节
		if len(msg.Audio)%2 != 0 {
			return relay.ClientMessage{}, relay.Errorf(relay.KindProtocol, "audio payload has odd length %d", len(msg.Audio))
		}
	case relay.ClientText:
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return relay.ClientMessage{}, relay.Errorf(relay.KindProtocol, "text payload is empty")
		}
	}

	return msg, nil
}

// Encode 序列化一条服务端消息，未设置时间戳时补齐。
func Encode(msg relay.ServerMessage) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := api.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	return data, nil
}

// DecodeServer 解析一条服务端消息，供测试工具与回放使用。
func DecodeServer(data []byte) (relay.ServerMessage, error) {
	var msg relay.ServerMessage
	if err := api.Unmarshal(bytes.TrimSpace(data), &msg); err != nil {
		return relay.ServerMessage{}, fmt.Errorf("decode server frame: %w", err)
	}
	return msg, nil
}

// Encoder 以换行分隔的形式写出消息。
type Encoder struct {
	w io.Writer
}

// NewEncoder 创建行分隔编码器。
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode 写出一行。
func (e *Encoder) Encode(v any) error {
	var (
		data []byte
		err  error
	)
	if msg, ok := v.(relay.ServerMessage); ok {
		data, err = Encode(msg)
	} else {
		data, err = api.Marshal(v)
	}
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// Decoder 读取换行分隔的客户端消息。
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder 创建行分隔解码器。
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Next 返回下一条非空消息，流结束时返回 io.EOF。
func (d *Decoder) Next() (relay.ClientMessage, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return DecodeClient(line)
	}
	if err := d.scanner.Err(); err != nil {
		return relay.ClientMessage{}, err
	}
	return relay.ClientMessage{}, io.EOF
}
