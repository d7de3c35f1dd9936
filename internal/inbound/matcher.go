// Package inbound реализует сверку входящих C2B-уведомлений со счетами.
package inbound

import (
	"context"

	"github.com/wanjala/till-system/internal/model"
)

const defaultListLimit = 50

// Store описывает контракт доступа к входящим уведомлениям.
type Store interface {
	ListUnconsumedNotifications(ctx context.Context, limit int) ([]model.InboundNotification, error)
	GetNotification(ctx context.Context, id int64) (*model.InboundNotification, error)
	MarkNotificationConsumed(ctx context.Context, id int64) error
}

// Matcher предоставляет операторам доступ к неиспользованным уведомлениям
// и отмечает выбранные как использованные.
type Matcher struct {
	store Store
}

// NewMatcher создаёт сверку поверх указанного хранилища.
func NewMatcher(store Store) *Matcher {
	return &Matcher{store: store}
}

// List возвращает неиспользованные уведомления, не более limit штук.
func (m *Matcher) List(ctx context.Context, limit int) ([]model.InboundNotification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return m.store.ListUnconsumedNotifications(ctx, limit)
}

// Get возвращает уведомление по идентификатору.
func (m *Matcher) Get(ctx context.Context, id int64) (*model.InboundNotification, error) {
	return m.store.GetNotification(ctx, id)
}

// MarkConsumed помечает уведомление использованным. Повторный вызов для того
// же идентификатора возвращает repository.ErrNotificationConsumed.
func (m *Matcher) MarkConsumed(ctx context.Context, id int64) error {
	return m.store.MarkNotificationConsumed(ctx, id)
}
