// Package push delivers Web Push notifications to the browser running the UI
// when the chat has news and no screen is watching.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/mitalk/internal/logger"
)

// ErrInvalidSubscription is returned by Subscribe for incomplete subscriptions.
var ErrInvalidSubscription = errors.New("push: endpoint, keys.p256dh and keys.auth required")

// Notifier signs notifications with VAPID and sends them to every stored subscription.
type Notifier struct {
	store SubscriptionStore
	keys  VAPIDKeys
	opts  webpush.Options
}

// NewNotifier returns a notifier; subscriber is a contact e-mail or https URL.
func NewNotifier(store SubscriptionStore, keys VAPIDKeys, subscriber string) *Notifier {
	return &Notifier{
		store: store,
		keys:  keys,
		opts: webpush.Options{
			HTTPClient:      &http.Client{Timeout: 10 * time.Second},
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		},
	}
}

// PublicKey is handed to the browser's pushManager.subscribe.
func (n *Notifier) PublicKey() string { return n.keys.PublicKey }

func (n *Notifier) Subscribe(ctx context.Context, sub webpush.Subscription) error {
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return ErrInvalidSubscription
	}
	return n.store.Add(ctx, sub)
}

func (n *Notifier) Unsubscribe(ctx context.Context, endpoint string) error {
	return n.store.Remove(ctx, endpoint)
}

type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Notify sends title/body to every subscription. Gone subscriptions (404/410)
// are removed. It fails only when no subscription could be reached.
func (n *Notifier) Notify(ctx context.Context, title, body string) error {
	subs, err := n.store.List(ctx)
	if err != nil {
		return fmt.Errorf("push.Notify: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	msg, err := json.Marshal(payload{Title: title, Body: body})
	if err != nil {
		return err
	}
	var lastErr error
	sent := 0
	for i := range subs {
		sub := &subs[i]
		opts := n.opts
		resp, err := webpush.SendNotificationWithContext(ctx, msg, sub, &opts)
		if err != nil {
			logger.Errorf("push: send %s: %v", short(sub.Endpoint), err)
			lastErr = err
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := n.store.Remove(ctx, sub.Endpoint); err != nil {
				logger.Errorf("push: remove %s: %v", short(sub.Endpoint), err)
			}
		case resp.StatusCode >= 300:
			lastErr = fmt.Errorf("push: %s: status %d", short(sub.Endpoint), resp.StatusCode)
		default:
			sent++
		}
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("push.Notify: %w", lastErr)
	}
	return nil
}

func short(endpoint string) string {
	return endpoint[:min(50, len(endpoint))]
}
