package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/BTreeMap/SalesPipe/internal/store"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultWorkers is the number of inbound messages processed concurrently.
const DefaultWorkers = 4

// DefaultErrorReply is sent when the handler fails.
const DefaultErrorReply = TwilioErrorReply

// ErrUnknownChannel is returned for messages from a channel without service.
var ErrUnknownChannel = errors.New("no messaging service for channel")

// InboundHandler produces the reply to one inbound message. An empty reply
// sends nothing.
type InboundHandler func(ctx context.Context, msg models.Response) (string, error)

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Workers    int
	ErrorReply string
	Log        store.Store
	Dedup      store.DedupRepo
	Outbox     store.OutboxRepo
}

// DispatcherOption configures DispatcherOpts.
type DispatcherOption func(*DispatcherOpts)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.Workers = n
	}
}

// WithErrorReply overrides DefaultErrorReply.
func WithErrorReply(text string) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.ErrorReply = text
	}
}

// WithMessageLog records inbound messages and delivery receipts in st.
func WithMessageLog(st store.Store) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.Log = st
	}
}

// WithDedup marks inbound message ids processed once handled.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.Dedup = repo
	}
}

// WithOutbox queues replies durably instead of sending them inline.
func WithOutbox(repo store.OutboxRepo) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.Outbox = repo
	}
}

// Dispatcher routes inbound messages from every service to the handler and
// sends the replies back on the originating channel.
type Dispatcher struct {
	services map[models.Channel]Service
	handler  InboundHandler
	opts     DispatcherOpts
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher for services.
func NewDispatcher(handler InboundHandler, services []Service, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{Workers: DefaultWorkers, ErrorReply: DefaultErrorReply}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	d := &Dispatcher{services: make(map[models.Channel]Service, len(services)), handler: handler, opts: cfg}
	for _, svc := range services {
		d.services[svc.Channel()] = svc
	}
	return d
}

// Start launches the forwarding goroutines and the worker pool. They run
// until ctx is cancelled or every service is stopped; Wait blocks until then.
func (d *Dispatcher) Start(ctx context.Context) {
	work := make(chan models.Response)
	var forwarders sync.WaitGroup

	for _, svc := range d.services {
		forwarders.Add(1)
		d.wg.Add(1)
		go func(svc Service) {
			defer d.wg.Done()
			defer forwarders.Done()
			d.forward(ctx, svc, work)
		}(svc)

		d.wg.Add(1)
		go func(svc Service) {
			defer d.wg.Done()
			d.drainReceipts(ctx, svc)
		}(svc)
	}

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for msg := range work {
				if err := d.Process(ctx, msg); err != nil {
					slog.Error("Dispatcher.worker: processing failed", "channel", msg.Channel, "from", msg.From, "error", err)
				}
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		forwarders.Wait()
		close(work)
	}()
	slog.Info("Dispatcher.Start: started", "services", len(d.services), "workers", d.opts.Workers)
}

// Wait blocks until every goroutine started by Start has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) forward(ctx context.Context, svc Service, work chan<- models.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-svc.Responses():
			if !ok {
				return
			}
			if msg.Channel == "" {
				msg.Channel = svc.Channel()
			}
			select {
			case work <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) drainReceipts(ctx context.Context, svc Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-svc.Receipts():
			if !ok {
				return
			}
			if d.opts.Log != nil {
				if err := d.opts.Log.AddReceipt(r); err != nil {
					slog.Warn("Dispatcher.drainReceipts: receipt not stored", "to", r.To, "error", err)
				}
			}
		}
	}
}

// Process handles one inbound message synchronously.
func (d *Dispatcher) Process(ctx context.Context, msg models.Response) error {
	svc, ok := d.services[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}
	to, err := svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if d.opts.Log != nil {
		if err := d.opts.Log.AddResponse(msg); err != nil {
			slog.Warn("Dispatcher.Process: response not stored", "from", to, "error", err)
		}
	}

	reply, err := d.handler(ctx, msg)
	if err != nil {
		slog.Error("Dispatcher.Process: handler failed", "channel", msg.Channel, "from", to, "error", err)
		reply = d.opts.ErrorReply
	}
	if reply != "" {
		if err := d.deliver(ctx, svc, to, reply, msg.MessageID); err != nil {
			return err
		}
	}
	if d.opts.Dedup != nil && msg.MessageID != "" {
		if err := d.opts.Dedup.MarkProcessed(msg.MessageID); err != nil {
			slog.Warn("Dispatcher.Process: mark processed failed", "message_id", msg.MessageID, "error", err)
		}
	}
	slog.Debug("Dispatcher.Process: message handled", "channel", msg.Channel, "from", to, "reply_length", len(reply))
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, svc Service, to, body, inReplyTo string) error {
	if d.opts.Outbox == nil {
		if err := svc.SendMessage(ctx, to, body); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		return nil
	}

	payload, err := replyPayload(svc.Channel(), to, body)
	if err != nil {
		return err
	}
	dedupeKey := ""
	if inReplyTo != "" {
		dedupeKey = "reply:" + string(svc.Channel()) + ":" + inReplyTo
	}
	if _, err := d.opts.Outbox.EnqueueOutboxMessage(to, store.OutboxKindReply, payload, dedupeKey); err != nil {
		return fmt.Errorf("queue reply: %w", err)
	}
	return nil
}

func replyPayload(channel models.Channel, to, body string) (string, error) {
	payload := "{}"
	var err error
	for _, kv := range [][2]string{{"channel", string(channel)}, {"to", to}, {"body", body}} {
		if payload, err = sjson.Set(payload, kv[0], kv[1]); err != nil {
			return "", fmt.Errorf("build reply payload: %w", err)
		}
	}
	return payload, nil
}

// Deliver sends a queued reply. It is the outbox send function for
// store.OutboxKindReply messages.
func (d *Dispatcher) Deliver(ctx context.Context, msg store.OutboxMessage) error {
	payload := gjson.Parse(msg.PayloadJSON)
	channel := models.Channel(payload.Get("channel").String())
	svc, ok := d.services[channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	to := payload.Get("to").String()
	if to == "" {
		to = msg.Recipient
	}
	return svc.SendMessage(ctx, to, payload.Get("body").String())
}
