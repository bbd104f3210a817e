// Package notify delivers customer receipts, loan-paid notices and operator
// digests after a chunk commits. Delivery is asynchronous and retried a
// bounded number of times.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanrecon/pkg/models"
)

// ErrStopped is returned when enqueueing on a stopped dispatcher.
var ErrStopped = errors.New("dispatcher stopped")

// Channel is the medium a message is delivered over.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is one notification addressed to a single recipient.
type Message struct {
	Channel Channel
	To      string
	Subject string
	Body    string
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to a logger instead of delivering them.
type LogSender struct {
	Logger *log.Logger
}

// Send logs msg and never fails.
func (s LogSender) Send(_ context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	switch msg.Channel {
	case ChannelSMS:
		logger.Printf("SMS sent to %s. Message: %s", msg.To, msg.Body)
	default:
		logger.Printf("Email sent to %s with subject '%s'. Body: %s", msg.To, msg.Subject, msg.Body)
	}
	return nil
}

// CustomerLookup resolves the owner of a loan.
type CustomerLookup interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (*models.Customer, error)
}

// Options tunes retries, queue depth and the operator digest recipient.
type Options struct {
	MaxAttempts   int
	Backoff       time.Duration
	QueueSize     int
	OperatorEmail string
}

// DefaultOptions returns 3 attempts 60s apart over a 256-job queue.
func DefaultOptions() Options {
	return Options{MaxAttempts: 3, Backoff: 60 * time.Second, QueueSize: 256}
}

type job struct {
	name  string
	build func(ctx context.Context) ([]Message, error)
}

// Dispatcher runs notification jobs on a single worker goroutine.
type Dispatcher struct {
	sender    Sender
	customers CustomerLookup
	opts      Options
	logger    *log.Logger

	queue   chan job
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher fills unset options from DefaultOptions. Call Start before queueing.
func NewDispatcher(sender Sender, customers CustomerLookup, opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	return &Dispatcher{
		sender:    sender,
		customers: customers,
		opts:      opts,
		logger:    log.New(os.Stderr, "", log.LstdFlags),
		queue:     make(chan job, opts.QueueSize),
	}
}

// SetLogger replaces the dispatcher's logger.
func (d *Dispatcher) SetLogger(logger *log.Logger) {
	d.logger = logger
}

// Start launches the worker. Cancelling ctx aborts pending backoff sleeps.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for j := range d.queue {
			d.run(ctx, j)
		}
	}()
}

// Stop refuses new jobs, lets the worker drain the queue and waits for it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Committed queues the notifications owed for a committed chunk: a receipt
// for every loan that took a payment, a paid-in-full notice for loans now
// PAID and one operator digest covering all rejections.
func (d *Dispatcher) Committed(ctx context.Context, loans []*models.Loan, rejected []models.Rejection) error {
	for _, loan := range loans {
		loan := *loan
		if err := d.enqueue(ctx, job{
			name:  "payment confirmation " + loan.Reference,
			build: d.customerMessages(loan, "Payment Confirmation", "your payment has been received."),
		}); err != nil {
			return err
		}
		if loan.State == models.LoanStatePaid {
			if err := d.enqueue(ctx, job{
				name:  "loan paid " + loan.Reference,
				build: d.customerMessages(loan, "Loan Paid", "your loan has been paid in full."),
			}); err != nil {
				return err
			}
		}
	}

	if len(rejected) > 0 && d.opts.OperatorEmail != "" {
		digest := RejectionDigest(d.opts.OperatorEmail, rejected)
		if err := d.enqueue(ctx, job{
			name:  "rejected payments digest",
			build: func(context.Context) ([]Message, error) { return []Message{digest}, nil },
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) customerMessages(loan models.Loan, subject, tail string) func(ctx context.Context) ([]Message, error) {
	return func(ctx context.Context) ([]Message, error) {
		customer, err := d.customers.GetCustomer(ctx, loan.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("customer for loan %s: %w", loan.Reference, err)
		}
		text := fmt.Sprintf("Thank you, %s %s, %s", customer.FirstName, customer.LastName, tail)

		var msgs []Message
		if customer.Email != "" {
			msgs = append(msgs, Message{Channel: ChannelEmail, To: customer.Email, Subject: subject, Body: text})
		}
		if customer.Phone != "" {
			msgs = append(msgs, Message{Channel: ChannelSMS, To: customer.Phone, Body: text})
		}
		return msgs, nil
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	msgs, err := j.build(ctx)
	if err != nil {
		d.logger.Printf("Notification %q skipped: %v", j.name, err)
		return
	}
	for _, msg := range msgs {
		if err := d.deliver(ctx, msg); err != nil {
			d.logger.Printf("Notification %q to %s dropped: %v", j.name, msg.To, err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	var lastErr error
	for attempt := 0; attempt < d.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.opts.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = d.sender.Send(ctx, msg); lastErr == nil {
			return nil
		}
		d.logger.Printf("Send to %s failed (attempt %d/%d): %v", msg.To, attempt+1, d.opts.MaxAttempts, lastErr)
	}
	return fmt.Errorf("gave up after %d attempts: %w", d.opts.MaxAttempts, lastErr)
}

// RejectionDigest builds the operator email listing rejected records.
func RejectionDigest(to string, rejected []models.Rejection) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "%d payment(s) were rejected:\n", len(rejected))
	for _, r := range rejected {
		fmt.Fprintf(&b, "row %d  ref=%s  loan=%s  amount=%s  code=%d (%s)\n",
			r.Record.Row, r.Record.PaymentReference, r.Record.LoanReference, r.Record.Amount, int(r.Code), r.Code)
	}
	return Message{Channel: ChannelEmail, To: to, Subject: "Rejected Payments", Body: b.String()}
}
