// Package push delivers scheduled notifications to members' browsers with
// web push, and keeps the device's local notification outbox.
package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/model"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrExpired means the push service no longer knows the subscription and
// it should be forgotten.
var ErrExpired = errors.New("push subscription expired")

// Payload is the JSON the service worker receives.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Test notifications are only useful while the member is looking at the
// settings screen; reminders stay relevant for a few hours.
const (
	testTTL     = 5 * time.Minute
	reminderTTL = 4 * time.Hour
)

// delivery picks how long the push service may hold p and how eagerly it
// should wake the device.
func (p Payload) delivery() (ttl time.Duration, urgency webpush.Urgency) {
	if p.Tag == "test" {
		return testTTL, webpush.UrgencyNormal
	}
	return reminderTTL, webpush.UrgencyHigh
}

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error
}

// SendError is a rejection from the push service.
type SendError struct {
	Status int
	Reason string
}

func (e *SendError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("push service returned %d", e.Status)
	}
	return fmt.Sprintf("push service returned %d: %s", e.Status, e.Reason)
}

// Service sends web push messages signed with the family's VAPID keys.
type Service struct {
	publicKey  string
	privateKey string
	subscriber string
	client     *http.Client
}

// NewService returns a Service. subscriber is the contact URL the push
// service sees; it defaults to a mailto: address.
func NewService(publicKey, privateKey, subscriber string) *Service {
	if subscriber == "" {
		subscriber = "mailto:noreply@famtask.app"
	}
	return &Service{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// VAPIDPublicKey is the application server key browsers subscribe with.
func (s *Service) VAPIDPublicKey() string {
	return s.publicKey
}

// Send encrypts payload for sub and posts it to the subscription's
// endpoint. 404 and 410 yield ErrExpired; 429 and 5xx are transient.
func (s *Service) Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	ttl, urgency := payload.delivery()

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dhKey, Auth: sub.AuthKey},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subscriber,
		Topic:           topic(payload.Tag),
		TTL:             int(ttl.Seconds()),
		Urgency:         urgency,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(fmt.Errorf("send push: %w", err))
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrExpired
	default:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		serr := &SendError{Status: code, Reason: strings.TrimSpace(string(reason))}
		if code == http.StatusTooManyRequests || code >= 500 {
			return apperr.Transient(serr)
		}
		return serr
	}
}

// topic lets a newer reminder for the same task replace an undelivered
// older one. Push services accept at most 32 URL-safe characters.
func topic(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if b.Len() == 32 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// GenerateVAPIDKeys returns a fresh P-256 key pair, base64url encoded: the
// uncompressed public point and the raw private scalar.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID key: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(key.PublicKey().Bytes()), enc.EncodeToString(key.Bytes()), nil
}

// CheckVAPIDKeys reports whether privateKey is a P-256 scalar whose public
// point is publicKey.
func CheckVAPIDKeys(publicKey, privateKey string) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(privateKey, "="))
	if err != nil {
		return fmt.Errorf("decode VAPID private key: %w", err)
	}
	key, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return fmt.Errorf("parse VAPID private key: %w", err)
	}
	want := base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	if strings.TrimRight(publicKey, "=") != want {
		return errors.New("VAPID public key does not match the private key")
	}
	return nil
}
