package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/lifesync/internal/reminders"
)

var (
	ErrNoWorker       = errors.New("no worker attached")
	ErrInboxFull      = errors.New("worker inbox full")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid message payload")
)

type MessageType string

const (
	TypeShowNotification      MessageType = "SHOW_NOTIFICATION"
	TypeScheduleNotifications MessageType = "SCHEDULE_NOTIFICATIONS"
	TypeClearNotifications    MessageType = "CLEAR_NOTIFICATIONS"
	TypeSetOfflineMode        MessageType = "SET_OFFLINE_MODE"
)

type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ShowNotificationPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type ScheduleNotificationsPayload struct {
	Reminders reminders.Settings `json:"reminders"`
}

type SetOfflineModePayload struct {
	Enabled bool `json:"enabled"`
}

func NewMessage(msgType MessageType, payload any) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

func ShowNotification(p ShowNotificationPayload) (Message, error) {
	return NewMessage(TypeShowNotification, p)
}

func ScheduleNotifications(settings reminders.Settings) (Message, error) {
	if settings == nil {
		settings = reminders.Settings{}
	}
	return NewMessage(TypeScheduleNotifications, ScheduleNotificationsPayload{Reminders: settings})
}

func ClearNotifications() Message {
	return Message{Type: TypeClearNotifications}
}

func SetOfflineMode(enabled bool) (Message, error) {
	return NewMessage(TypeSetOfflineMode, SetOfflineModePayload{Enabled: enabled})
}
