// Package queue carries messages over RabbitMQ: notification requests go
// out, payment events come in.
package queue

import "time"

// NotificationRequested is published for the notification worker. It holds
// everything needed to deliver without querying the primary database.
type NotificationRequested struct {
	UserID      uint64            `json:"user_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	RequestedAt time.Time         `json:"requested_at"`
}

// PaymentEventMessage is a gateway notification relayed through the broker.
// Field names follow the PortOne webhook body.
type PaymentEventMessage struct {
	EventID          string `json:"event_id,omitempty"`
	Status           string `json:"status"`
	MerchantUID      string `json:"merchant_uid"`
	GatewayPaymentID string `json:"imp_uid,omitempty"`
}
