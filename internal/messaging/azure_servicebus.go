package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"

	"example.com/eventchain/indexer/config"
	"example.com/eventchain/indexer/internal/events"
)

// Notification announces one applied on-chain event to downstream consumers
type Notification struct {
	Kind            string `json:"kind"`
	EventID         uint64 `json:"event_id"`
	Address         string `json:"address,omitempty"`
	BlockNumber     uint64 `json:"block_number"`
	TransactionHash string `json:"transaction_hash"`
	EventIndex      int    `json:"event_index"`
}

// NewNotification builds the message body for ev
func NewNotification(ev events.Event) Notification {
	meta := ev.Metadata()
	n := Notification{
		Kind:            ev.Kind().String(),
		EventID:         ev.ReferencedEventID(),
		BlockNumber:     meta.BlockNumber,
		TransactionHash: meta.TransactionHash.Hex(),
		EventIndex:      meta.EventIndex,
	}

	switch e := ev.(type) {
	case events.NewEventAdded:
		n.Address = e.EventOwner
	case events.RegisteredForEvent:
		n.Address = e.UserAddress
	case events.EndEventRegistration:
		n.Address = e.EventOwner
	case events.RSVPForEvent:
		n.Address = e.AttendeeAddress
	case events.EventAttendanceMark:
		n.Address = e.UserAddress
	}
	return n
}

// MessageID is stable for an on-chain event, letting the queue's duplicate
// detection drop redeliveries
func (n Notification) MessageID() string {
	return fmt.Sprintf("%s-%d", n.TransactionHash, n.EventIndex)
}

type sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// Publisher sends notifications to an Azure Service Bus queue
type Publisher struct {
	client *azservicebus.Client
	sender sender
	queue  string
}

// NewPublisher creates a new Azure Service Bus publisher
func NewPublisher(cfg config.AzureConfig) (*Publisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	s, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &Publisher{
		client: client,
		sender: s,
		queue:  cfg.QueueName,
	}, nil
}

// Observe publishes a notification for an applied event
func (p *Publisher) Observe(ctx context.Context, ev events.Event) error {
	n := NewNotification(ev)

	data, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}

	messageID := n.MessageID()
	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        data,
		MessageID:   &messageID,
		ContentType: &contentType,
		ApplicationProperties: map[string]interface{}{
			"source": "chain-indexer",
			"kind":   n.Kind,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to send %s notification to %s", n.Kind, p.queue)
	}
	return nil
}

// Close closes the sender and the client
func (p *Publisher) Close() error {
	ctx := context.Background()
	if p.sender != nil {
		if err := p.sender.Close(ctx); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(ctx)
	}
	return nil
}
