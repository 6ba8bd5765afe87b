package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/gitnudge/internal/models"
	"github.com/gitnudge/pkg/logger"
)

// ErrInvalidRecipient is returned when a recipient does not match the shape
// expected by its channel. Raised before any transport call is made.
var ErrInvalidRecipient = errors.New("invalid recipient")

// ErrUnknownChannel is returned when no transport is registered for a channel
var ErrUnknownChannel = errors.New("unknown channel")

// Message is a rendered report ready for delivery. Subject is used by the
// email transport only.
type Message struct {
	Subject string
	Body    string
}

// Transport is the capability a delivery back-end must provide. Transports
// are stateless single-attempt senders; retry policy lives with the caller.
type Transport interface {
	Send(ctx context.Context, recipient string, msg Message) error
}

// DeliveryError wraps a transport-level failure into a normalized outcome
type DeliveryError struct {
	Channel models.Channel
	Reason  string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery via %s failed: %s", e.Channel, e.Reason)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

var (
	// emailPattern is deliberately loose: local@domain.tld
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	// chatPattern accepts a numeric chat ID (possibly negative for groups)
	// or an international phone number
	chatPattern = regexp.MustCompile(`^(-?\d{4,20}|\+\d{6,15})$`)
)

// Dispatcher routes rendered messages to the transport registered for a
// channel. The registry is resolved once at construction; adding a channel
// means registering a new Transport, not editing a conditional chain.
type Dispatcher struct {
	transports map[models.Channel]Transport
	log        *logger.Logger
}

// New creates a dispatcher over the given channel-to-transport registry
func New(transports map[models.Channel]Transport, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		transports: transports,
		log:        log.WithComponent("dispatch"),
	}
}

// ValidateRecipient checks the recipient shape against the channel's
// expectations without making any external call
func ValidateRecipient(channel models.Channel, recipient string) error {
	if !channel.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	switch channel {
	case models.ChannelEmail:
		if !emailPattern.MatchString(recipient) {
			return fmt.Errorf("%w: %q is not an email address", ErrInvalidRecipient, recipient)
		}
	case models.ChannelChat:
		if !chatPattern.MatchString(recipient) {
			return fmt.Errorf("%w: %q is not a chat ID or phone number", ErrInvalidRecipient, recipient)
		}
	}
	return nil
}

// Dispatch validates the recipient, resolves the channel's transport and
// performs a single delivery attempt
func (d *Dispatcher) Dispatch(ctx context.Context, channel models.Channel, recipient string, msg Message) error {
	if err := ValidateRecipient(channel, recipient); err != nil {
		return err
	}

	transport, ok := d.transports[channel]
	if !ok {
		return fmt.Errorf("%w: %q has no registered transport", ErrUnknownChannel, channel)
	}

	log := d.log.WithChannel(string(channel))
	log.Debug().
		Str("recipient", recipient).
		Int("body_len", len(msg.Body)).
		Msg("Dispatching message")

	if err := transport.Send(ctx, recipient, msg); err != nil {
		return &DeliveryError{Channel: channel, Reason: err.Error(), Err: err}
	}

	log.Info().
		Str("recipient", recipient).
		Msg("Message delivered")

	return nil
}
