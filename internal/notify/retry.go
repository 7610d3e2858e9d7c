package notify

import (
	"context"
	"time"
)

// deliveryResult はWebhook応答の分類。
type deliveryResult int

const (
	// deliveryOK は受信側が受け付けた（2xx）。
	deliveryOK deliveryResult = iota
	// deliveryRetry は時間を置けば成功しうる（429/5xx/通信エラー）。
	deliveryRetry
	// deliveryDrop は再送しても成功しない（その他4xx等）。
	deliveryDrop
)

const (
	// defaultMaxAttempts は初回を含む送信の上限回数。
	defaultMaxAttempts = 3
	// defaultInitialDelay は再送の初回遅延。
	defaultInitialDelay = 100 * time.Millisecond
	// maxRetryDelay は再送遅延の上限。
	maxRetryDelay = 2 * time.Second
)

// classifyWebhookStatus はHTTPステータスコードを送信結果に分類する。
func classifyWebhookStatus(statusCode int) deliveryResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return deliveryOK
	case statusCode == 429, statusCode == 408:
		return deliveryRetry
	case statusCode >= 500:
		return deliveryRetry
	default:
		return deliveryDrop
	}
}

// retryPolicy は指数バックオフで再送する。
type retryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxAttempts: defaultMaxAttempts, initialDelay: defaultInitialDelay}
}

// delay はattempt回目（0始まり）の失敗後に待つ時間。2倍ずつ増え、maxRetryDelayで頭打ち。
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.initialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// wait は遅延を待つ。ctxが先に終了した場合はfalseを返す。
func (p retryPolicy) wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(p.delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
