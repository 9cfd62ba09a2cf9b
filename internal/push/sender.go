// Package push delivers Web Push notifications to a member's subscribed
// browsers via VAPID.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/plantsocial/backend/internal/logger"
	"github.com/plantsocial/backend/internal/repository"
)

// Sender sends pushes for stored subscriptions. With nil VAPID options
// subscriptions are still stored but nothing is sent.
type Sender struct {
	subs  *repository.PushSubscriptionRepository
	vapid *webpush.Options
}

func NewSender(subs *repository.PushSubscriptionRepository, publicKey, privateKey, subscriber string) *Sender {
	s := &Sender{subs: subs}
	if publicKey != "" && privateKey != "" {
		s.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  publicKey,
			VAPIDPrivateKey: privateKey,
			TTL:             3600,
		}
	}
	return s
}

// Enabled reports whether VAPID keys are configured.
func (s *Sender) Enabled() bool {
	return s.vapid != nil
}

// Notify sends title/body/data to every subscription of the member.
// Subscriptions the push service reports gone (404/410) are deleted.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if s.vapid == nil {
		return
	}
	defer logger.DeferLogDuration("push.Notify", time.Now())()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	subs, err := s.subs.ListForUser(ctx, userID)
	if err != nil {
		logger.Errorf("push list subscriptions user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push send user=%s: %v", userID, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := s.subs.Delete(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push drop gone subscription user=%s: %v", userID, err)
			}
		}
	}
}
