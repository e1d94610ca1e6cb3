package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymesh/delivery/domain"
)

// FCMSender is a plain HTTP fallback -- no FCM client library appears
// anywhere in the retrieval pack, so this follows the teacher's own
// practice of reaching for stdlib net/http when no ecosystem library
// covers a concern (see DESIGN.md).
type FCMSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewFCMSender(endpoint, apiKey string) *FCMSender {
	return &FCMSender{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type fcmMessage struct {
	To   string            `json:"to"`
	Data map[string]string `json:"data"`
}

func (s *FCMSender) Push(device domain.DeviceKey, token string) error {
	msg := fcmMessage{To: token, Data: map[string]string{"alert": "New message available"}}
	body, err := json.Marshal(msg)
	if err != nil {
		return domain.NewError(domain.Fatal, "push.FCMSender.Push", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.NewError(domain.Fatal, "push.FCMSender.Push", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.NewError(domain.Transient, "push.FCMSender.Push", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return domain.NewError(domain.Logical, "push.FCMSender.Push", fmt.Errorf("device token stale: status %d", resp.StatusCode))
	default:
		return domain.NewError(domain.Transient, "push.FCMSender.Push", fmt.Errorf("fcm push failed: status %d", resp.StatusCode))
	}
}
