// Package push implements the Push Fallback Scheduler: platform push
// senders (APNs, FCM), a retry schedule with exponential backoff, and a
// bounded stale-device cache used to stop retrying devices that have
// exhausted their attempts. Grounded on spec.md §4.6 directly; the APNs
// sender is adapted nearly verbatim from
// vendor/github.com/meow-io/heya/pusher.go's applePusher.
package push

import (
	"encoding/json"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"

	"github.com/relaymesh/delivery/domain"
)

type Sender interface {
	Push(device domain.DeviceKey, token string) error
}

type APNsSender struct {
	client *apns2.Client
	topic  string
}

// NewAPNsSender loads a p12 client certificate from certPath, exactly as
// the teacher's vendored applePusher does, and selects the production or
// sandbox APNs gateway based on production.
func NewAPNsSender(certPath, topic string, production bool) (*APNsSender, error) {
	cert, err := certificate.FromP12File(certPath, "")
	if err != nil {
		return nil, domain.NewError(domain.Fatal, "push.NewAPNsSender", err)
	}
	client := apns2.NewClient(cert)
	if production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &APNsSender{client: client, topic: topic}, nil
}

type apnsPayload struct {
	Aps struct {
		MutableContent int `json:"mutable-content"`
		Alert          struct {
			Title string `json:"title"`
		} `json:"alert"`
	} `json:"aps"`
}

func (s *APNsSender) Push(device domain.DeviceKey, token string) error {
	payload := apnsPayload{}
	payload.Aps.MutableContent = 1
	payload.Aps.Alert.Title = "New message available"
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewError(domain.Fatal, "push.APNsSender.Push", err)
	}

	notification := &apns2.Notification{
		DeviceToken: token,
		Topic:       s.topic,
		Payload:     body,
	}
	resp, err := s.client.Push(notification)
	if err != nil {
		return domain.NewError(domain.Transient, "push.APNsSender.Push", err)
	}
	if !resp.Sent() {
		if resp.StatusCode == 410 || resp.Reason == apns2.ReasonBadDeviceToken || resp.Reason == apns2.ReasonUnregistered {
			return domain.NewError(domain.Logical, "push.APNsSender.Push", fmt.Errorf("device token stale: %s", resp.Reason))
		}
		return domain.NewError(domain.Transient, "push.APNsSender.Push", fmt.Errorf("apns push failed: %d %s", resp.StatusCode, resp.Reason))
	}
	return nil
}
