package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// ConnectionOptions 上游连接参数
type ConnectionOptions struct {
	HandshakeTimeout time.Duration // 握手超时
	WriteTimeout     time.Duration // 单次写入超时
	MaxRetries       int           // 最大尝试次数
	RetryDelay       time.Duration // 重试间隔基数，按次数线性增长
	SendQueueSize    int           // 发送队列长度
	EventQueueSize   int           // 事件队列长度
}

// DefaultConnectionOptions 默认连接参数
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		SendQueueSize:    256,
		EventQueueSize:   256,
	}
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	def := DefaultConnectionOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = def.EventQueueSize
	}
	return o
}

// dialWithRetry 带重试的连接建立，鉴权或配置类拒绝不会重试。
func dialWithRetry(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, opts ConnectionOptions) (*websocket.Conn, error) {
	var lastErr error

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			return conn, nil
		}

		lastErr = classifyHandshake(resp, err)
		if ctx.Err() != nil {
			return nil, relay.NewError(relay.KindTimeout, "dialogue connection aborted", ctx.Err())
		}
		if !relay.KindOf(lastErr).Retryable() {
			return nil, lastErr
		}

		log.Printf("[dialogue] connect attempt %d/%d failed: %v", attempt, opts.MaxRetries, err)
		if attempt == opts.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, relay.NewError(relay.KindTimeout, "dialogue connection aborted", ctx.Err())
		case <-time.After(time.Duration(attempt) * opts.RetryDelay):
		}
	}

	return nil, relay.NewError(relay.KindConnectionLost,
		fmt.Sprintf("failed to connect after %d attempts", opts.MaxRetries), lastErr)
}

// classifyHandshake 根据握手响应判断错误类别
func classifyHandshake(resp *http.Response, err error) error {
	if resp == nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return relay.NewError(relay.KindTimeout, "dialogue handshake timed out", err)
		}
		return relay.NewError(relay.KindTransient, "dialogue engine unreachable", err)
	}

	switch status := resp.StatusCode; {
	case status == http.StatusUnauthorized:
		return relay.NewError(relay.KindAuth, "dialogue engine rejected the API key", err)
	case status == http.StatusForbidden:
		return relay.NewError(relay.KindAuth, "dialogue engine denied access, check the account permissions and region", err)
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return relay.NewError(relay.KindQuota, "dialogue engine quota or rate limit exceeded", err)
	case status == http.StatusUnavailableForLegalReasons:
		return relay.NewError(relay.KindBlocked, "dialogue engine is not available in this region", err)
	case status >= 500:
		return relay.NewError(relay.KindTransient, fmt.Sprintf("dialogue engine returned %d", status), err)
	default:
		return relay.NewError(relay.KindConfig, fmt.Sprintf("dialogue engine rejected the session with %d", status), err)
	}
}

// IsNormalClose 判断关闭码是否为正常关闭
func IsNormalClose(code int) bool {
	return code == websocket.CloseNormalClosure
}
