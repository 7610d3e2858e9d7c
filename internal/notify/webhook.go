package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
	"github.com/hitoshi/tutormatch/internal/security"
)

// webhookUserAgent はWebhook送信時のUser-Agent。
const webhookUserAgent = "tutormatch-webhook/1.0"

// WebhookPublisher はイベントを外部URLへPOSTする。
// 送信先は内部ネットワークへ到達できないHTTPクライアントで呼び出す。
// 429/5xxと通信エラーは指数バックオフで再送し、その他の4xxは即座に失敗とする。
type WebhookPublisher struct {
	url    string
	client *http.Client
	retry  retryPolicy
}

// NewWebhookPublisher は送信先URLを検証してWebhookPublisherを生成する。
func NewWebhookPublisher(url string, guard security.WebhookGuardService, timeout time.Duration) (*WebhookPublisher, error) {
	if err := guard.ValidateURL(url); err != nil {
		return nil, fmt.Errorf("Webhook送信先が不正です: %w", err)
	}
	return &WebhookPublisher{
		url:    url,
		client: guard.NewClient(timeout),
		retry:  defaultRetryPolicy(),
	}, nil
}

// SetRetryPolicy は再送回数と初回遅延を差し替える。maxAttemptsが1なら再送しない。
func (p *WebhookPublisher) SetRetryPolicy(maxAttempts int, initialDelay time.Duration) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	p.retry = retryPolicy{maxAttempts: maxAttempts, initialDelay: initialDelay}
}

// Name はPublisherインターフェースを実装する。
func (p *WebhookPublisher) Name() string { return "webhook" }

// Publish はイベントをJSONでPOSTする。再送しても2xxにならなければエラーを返す。
func (p *WebhookPublisher) Publish(ctx context.Context, ev model.Event) error {
	body, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.retry.maxAttempts; attempt++ {
		if attempt > 0 && !p.retry.wait(ctx, attempt-1) {
			return fmt.Errorf("webhook delivery cancelled after %d attempts: %w", attempt, lastErr)
		}

		result, err := p.send(ctx, ev.Type, body)
		switch result {
		case deliveryOK:
			return nil
		case deliveryDrop:
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", p.retry.maxAttempts, lastErr)
}

// send は1回分のPOSTを行い、結果を分類して返す。
func (p *WebhookPublisher) send(ctx context.Context, eventType model.EventType, body []byte) (deliveryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return deliveryDrop, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set("X-Tutormatch-Event", string(eventType))

	resp, err := p.client.Do(req)
	if err != nil {
		return deliveryRetry, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := classifyWebhookStatus(resp.StatusCode)
	if result == deliveryOK {
		return deliveryOK, nil
	}
	return result, fmt.Errorf("webhook returned status %d", resp.StatusCode)
}
