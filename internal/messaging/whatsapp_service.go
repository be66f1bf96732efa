package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/BTreeMap/SalesPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the whatsmeow web client.
type WhatsAppService struct {
	*emitter
	client    whatsapp.Sender
	waClient  *whatsapp.Client
	dedup     store.DedupRepo
	handlerID uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. Events are only received when client is a
// *whatsapp.Client; mocks can send but never receive.
func NewWhatsAppService(client whatsapp.Sender, dedup store.DedupRepo) *WhatsAppService {
	s := &WhatsAppService{emitter: newEmitter("WhatsAppService"), client: client, dedup: dedup}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// Channel returns models.ChannelWhatsApp.
func (s *WhatsAppService) Channel() models.Channel {
	return models.ChannelWhatsApp
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start subscribes to whatsmeow events.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, event handling skipped")
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unsubscribes from events and closes the channels.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil && s.handlerID != 0 {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
	}
	s.stop()
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "to", canonical, "error", err)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleReceipt(v)
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text, ok := whatsapp.TextOf(evt.Message)
	if !ok || text == "" {
		slog.Debug("WhatsAppService.handleIncomingMessage: non-text message ignored", "from", evt.Info.Sender.String())
		return
	}
	from := whatsapp.PhoneNumber(evt.Info.Sender)
	if s.dedup != nil && evt.Info.ID != "" {
		inserted, err := s.dedup.RecordInbound(evt.Info.ID, from)
		if err != nil {
			slog.Error("WhatsAppService.handleIncomingMessage: dedup failed", "message_id", evt.Info.ID, "error", err)
		} else if !inserted {
			slog.Debug("WhatsAppService.handleIncomingMessage: duplicate ignored", "message_id", evt.Info.ID)
			return
		}
	}
	s.emitResponse(models.Response{
		From:      from,
		Body:      text,
		Time:      evt.Info.Timestamp.Unix(),
		MessageID: evt.Info.ID,
		Channel:   models.ChannelWhatsApp,
	})
}

func (s *WhatsAppService) handleReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{
		To:     whatsapp.PhoneNumber(evt.MessageSource.Sender),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}
