package app

import (
	"context"
	"log"
	"time"

	"github.com/rhci/donation-service/internal/domain"
	"github.com/rhci/donation-service/pkg/rabbitmq"
)

const DefaultDonationEventsExchange = "donation_events"

// LifecycleEvents publishes committed terminal transitions. Publishing is
// best effort and never undoes the transition.
type LifecycleEvents struct {
	publisher rabbitmq.Publisher
	exchange  string
}

// NewLifecycleEvents creates an event sink. A nil publisher disables publishing.
func NewLifecycleEvents(publisher rabbitmq.Publisher, exchange string) *LifecycleEvents {
	if exchange == "" {
		exchange = DefaultDonationEventsExchange
	}
	return &LifecycleEvents{publisher: publisher, exchange: exchange}
}

func (e *LifecycleEvents) publish(ctx context.Context, donation *domain.Donation, receipt *domain.Receipt) {
	if e == nil || e.publisher == nil || !donation.Status.IsTerminal() {
		return
	}

	event := domain.DonationEvent{
		DonationID: donation.ID,
		ExternalID: donation.ExternalID,
		CaseID:     donation.CaseID,
		DonorID:    donation.DonorID,
		Amount:     donation.Amount,
		Currency:   donation.Currency,
		Status:     donation.Status,
		OccurredAt: time.Now().UTC(),
	}
	if receipt != nil {
		number := receipt.ReceiptNumber
		event.ReceiptNumber = &number
	}

	routingKey := "donation." + string(donation.Status)
	if err := e.publisher.Publish(ctx, e.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=events msg=\"failed to publish donation event\" donation_id=%s routing_key=%s err=%v", donation.ID, routingKey, err)
	}
}
