package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	relaymodel "github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/service/frame"
	"github.com/zhouzirui/z-tavern/relay/internal/service/speech"
)

// printedFrame 输出时用音频长度代替音频内容
type printedFrame struct {
	relaymodel.ServerMessage
	AudioBytes int `json:"audioBytes,omitempty"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	defaultURL := os.Getenv("RELAY_TESTER_URL")
	if defaultURL == "" {
		defaultURL = "ws://localhost:8080/ws"
	}

	url := flag.String("url", defaultURL, "中继 websocket 地址")
	mode := flag.String("mode", string(relaymodel.ModeEngineAudio), "会话模式: dialogue-engine-audio / synthesis-fallback-audio / text-only")
	audioPath := flag.String("file", "", "PCM16 原始音频文件，留空则不发送音频")
	chunk := flag.Int("chunk", 3200, "每个音频帧的字节数")
	interval := flag.Duration("interval", 100*time.Millisecond, "音频帧发送间隔")
	text := flag.String("text", "", "音频之后发送的文本消息")
	commit := flag.Bool("commit", true, "音频发送完毕后发送 commit")
	coach := flag.String("coach", "", "coachId，用于选择合成声音")
	save := flag.Bool("save", false, "结束前发送 save_conversation")
	wait := flag.Duration("wait", 10*time.Second, "发送完毕后等待响应的时间")
	replayPath := flag.String("replay", "", "按行回放的客户端消息文件 (JSONL)，指定后忽略 -file 与 -text")

	flag.Parse()

	if _, ok := relaymodel.ParseMode(*mode); !ok {
		flag.Usage()
		log.Fatalf("未知模式: %s", *mode)
	}

	var audio []byte
	if *audioPath != "" {
		data, err := os.ReadFile(*audioPath)
		if err != nil {
			log.Fatalf("读取音频文件失败: %v", err)
		}
		// WAV 文件去掉 44 字节头，只发送 PCM 数据
		if len(data) > 44 && string(data[:4]) == "RIFF" {
			data = data[44:]
		}
		if len(data) == 0 {
			log.Fatal("音频文件为空")
		}
		audio = data
	}

	var replay []relaymodel.ClientMessage
	if *replayPath != "" {
		f, err := os.Open(*replayPath)
		if err != nil {
			log.Fatalf("打开回放文件失败: %v", err)
		}
		replay, err = loadReplay(f)
		f.Close()
		if err != nil {
			log.Fatalf("读取回放文件失败: %v", err)
		}
		log.Printf("回放 %d 条消息", len(replay))
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("连接中继失败: %v", err)
	}
	defer conn.Close()
	log.Printf("已连接 %s", *url)

	done := make(chan struct{})
	go func() {
		defer close(done)
		printFrames(conn, os.Stdout)
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	send := func(msg relaymodel.ClientMessage) {
		msg.Timestamp = time.Now().UnixMilli()
		data, err := sonic.ConfigStd.Marshal(msg)
		if err != nil {
			log.Fatalf("编码消息失败: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Fatalf("发送 %s 失败: %v", msg.Type, err)
		}
	}

	start := relaymodel.ClientMessage{
		Type:    relaymodel.ClientStart,
		Mode:    relaymodel.Mode(*mode),
		CoachID: *coach,
	}

	if replay != nil {
		if replay[0].Type != relaymodel.ClientStart {
			send(start)
		}
		for _, msg := range replay {
			if msg.Type == relaymodel.ClientAudio {
				select {
				case <-interrupt:
					send(relaymodel.ClientMessage{Type: relaymodel.ClientStop})
					return
				case <-done:
					log.Fatal("连接在回放时关闭")
				case <-time.After(*interval):
				}
			}
			send(msg)
		}
		audio = nil
		*text = ""
	} else {
		send(start)
	}

	if len(audio) > 0 {
		chunks := speech.ChunkAudio(audio, *chunk)
		log.Printf("发送音频 %d 字节，共 %d 帧", len(audio), len(chunks))
		ticker := time.NewTicker(*interval)
		for _, c := range chunks {
			select {
			case <-interrupt:
				ticker.Stop()
				send(relaymodel.ClientMessage{Type: relaymodel.ClientStop})
				return
			case <-done:
				ticker.Stop()
				log.Fatal("连接在发送音频时关闭")
			case <-ticker.C:
			}
			send(relaymodel.ClientMessage{Type: relaymodel.ClientAudio, Audio: c})
		}
		ticker.Stop()
		if *commit {
			send(relaymodel.ClientMessage{Type: relaymodel.ClientCommit})
		}
	}

	if t := strings.TrimSpace(*text); t != "" {
		send(relaymodel.ClientMessage{Type: relaymodel.ClientText, Text: t})
	}

	select {
	case <-interrupt:
	case <-done:
		return
	case <-time.After(*wait):
	}

	if *save {
		send(relaymodel.ClientMessage{Type: relaymodel.ClientSave})
		time.Sleep(time.Second)
	}
	send(relaymodel.ClientMessage{Type: relaymodel.ClientStop})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		log.Println("等待关闭超时")
	}
}

func printFrames(conn *websocket.Conn, out io.Writer) {
	enc := frame.NewEncoder(out)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Println("中继正常关闭连接")
			} else {
				log.Printf("读取结束: %v", err)
			}
			return
		}
		msg, err := frame.DecodeServer(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "无法解析的帧: %s\n", data)
			continue
		}
		printed := printedFrame{ServerMessage: msg, AudioBytes: len(msg.Audio)}
		printed.Audio = nil
		if err := enc.Encode(printed); err != nil {
			log.Printf("输出失败: %v", err)
		}
	}
}

// loadReplay 读取回放文件中的全部客户端消息，任一行无法解析即报错。
func loadReplay(r io.Reader) ([]relaymodel.ClientMessage, error) {
	dec := frame.NewDecoder(r)
	var msgs []relaymodel.ClientMessage
	for line := 1; ; line++ {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("第 %d 条消息: %w", line, err)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil, errors.New("回放文件没有消息")
	}
	return msgs, nil
}
