package amqpqueue

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestToMessage(t *testing.T) {
	until := time.Now().Add(time.Minute)
	msg := toMessage(amqp.Delivery{
		MessageId:   "m1",
		DeliveryTag: 7,
		Body:        []byte("job42,http://x/img.jpg"),
	}, until)

	if msg.ID != "m1" || msg.Receipt != "7" || msg.Body != "job42,http://x/img.jpg" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.DequeueCount != 1 || !msg.LeasedUntil.Equal(until) {
		t.Fatalf("unexpected lease fields: %+v", msg)
	}
}

func TestToMessageDeliveryCount(t *testing.T) {
	msg := toMessage(amqp.Delivery{DeliveryTag: 3, Headers: amqp.Table{"x-delivery-count": int64(2)}}, time.Time{})
	if msg.ID != "3" || msg.DequeueCount != 3 {
		t.Fatalf("unexpected message: %+v", msg)
	}

	msg = toMessage(amqp.Delivery{DeliveryTag: 4, Redelivered: true}, time.Time{})
	if msg.DequeueCount != 2 {
		t.Fatalf("expected redelivered count 2, got %d", msg.DequeueCount)
	}
}
