// README: Notification sink; writes the in-app row then pushes through FCM without blocking the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"firebase.google.com/go/v4/messaging"

	"rideflow/internal/types"
)

const pushTimeout = 5 * time.Second

type NotificationStore interface {
	Insert(ctx context.Context, n *Notification) error
	DeviceToken(ctx context.Context, userID types.ID) (string, error)
}

// Pusher sends one FCM message; *messaging.Client implements it.
type Pusher interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type Service struct {
	store  NotificationStore
	push   Pusher
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewService builds the sink. push may be nil, in which case only in-app rows are written.
func NewService(store NotificationStore, push Pusher, logger *slog.Logger) *Service {
	return &Service{store: store, push: push, logger: logger}
}

// Push records an in-app notification and sends the device push in the background.
// Failures are logged; delivery is best effort.
func (s *Service) Push(ctx context.Context, userID types.ID, title, body, kind string, data map[string]string) {
	n := &Notification{
		UserID:    userID,
		Title:     title,
		Body:      body,
		Kind:      kind,
		Data:      data,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(ctx, n); err != nil {
		s.logger.ErrorContext(ctx, "in-app notification failed", "user_id", userID, "kind", kind, "error", err)
	}
	if s.push == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		defer cancel()
		s.send(pctx, n)
	}()
}

func (s *Service) send(ctx context.Context, n *Notification) {
	token, err := s.store.DeviceToken(ctx, n.UserID)
	if err != nil {
		s.logger.ErrorContext(ctx, "device token lookup failed", "user_id", n.UserID, "error", err)
		return
	}
	if token == "" {
		return
	}
	data := make(map[string]string, len(n.Data)+1)
	for k, v := range n.Data {
		data[k] = v
	}
	data["type"] = n.Kind

	messageID, err := s.push.Send(ctx, &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "fcm push failed", "user_id", n.UserID, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "fcm push sent", "user_id", n.UserID, "message_id", messageID)
}

// Wait blocks until in-flight pushes finish; used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}
