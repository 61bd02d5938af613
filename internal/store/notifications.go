package store

import (
	"context"
	"fmt"
)

// ListNotifications returns every notification, newest first. Role filtering is left to callers.
func (s *Store) ListNotifications(ctx context.Context) ([]Notification, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.loadNotifications(ctx)
}

// MarkNotificationRead flags a notification as read. Unknown ids are ignored.
func (s *Store) MarkNotificationRead(ctx context.Context, id int) error {
	unlock, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	notifications, err := s.loadNotifications(ctx)
	if err != nil {
		return err
	}
	for i := range notifications {
		if notifications[i].ID != id {
			continue
		}
		if notifications[i].Read {
			return nil
		}
		notifications[i].Read = true
		if err := s.save(context.WithoutCancel(ctx), KeyNotifications, notifications); err != nil {
			return fmt.Errorf("save notifications: %w", err)
		}
		return nil
	}
	return nil
}
