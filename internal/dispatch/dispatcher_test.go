package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gitnudge/internal/models"
	"github.com/gitnudge/pkg/logger"
)

// fakeTransport records sends and optionally fails them
type fakeTransport struct {
	sent []string
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, recipient string, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, recipient)
	return nil
}

func newTestDispatcher(email, chat *fakeTransport) *Dispatcher {
	transports := map[models.Channel]Transport{}
	if email != nil {
		transports[models.ChannelEmail] = email
	}
	if chat != nil {
		transports[models.ChannelChat] = chat
	}
	return New(transports, logger.Default())
}

func TestValidateRecipient(t *testing.T) {
	tests := []struct {
		name      string
		channel   models.Channel
		recipient string
		wantErr   error
	}{
		{"valid email", models.ChannelEmail, "dev@example.com", nil},
		{"email without domain", models.ChannelEmail, "not-an-email", ErrInvalidRecipient},
		{"email with spaces", models.ChannelEmail, "a b@example.com", ErrInvalidRecipient},
		{"chat numeric id", models.ChannelChat, "123456789", nil},
		{"chat group id", models.ChannelChat, "-100200300", nil},
		{"chat phone number", models.ChannelChat, "+14155550123", nil},
		{"chat name", models.ChannelChat, "bob", ErrInvalidRecipient},
		{"chat email shaped", models.ChannelChat, "dev@example.com", ErrInvalidRecipient},
		{"unknown channel", models.Channel("pigeon"), "whatever", ErrUnknownChannel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecipient(tt.channel, tt.recipient)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidateRecipient = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateRecipient = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatchRoutesToChannelTransport(t *testing.T) {
	email := &fakeTransport{}
	chat := &fakeTransport{}
	d := newTestDispatcher(email, chat)

	if err := d.Dispatch(context.Background(), models.ChannelEmail, "dev@example.com", Message{Body: "hi"}); err != nil {
		t.Fatalf("Dispatch email: %v", err)
	}
	if err := d.Dispatch(context.Background(), models.ChannelChat, "123456789", Message{Body: "hi"}); err != nil {
		t.Fatalf("Dispatch chat: %v", err)
	}

	if len(email.sent) != 1 || email.sent[0] != "dev@example.com" {
		t.Fatalf("email transport sent = %v", email.sent)
	}
	if len(chat.sent) != 1 || chat.sent[0] != "123456789" {
		t.Fatalf("chat transport sent = %v", chat.sent)
	}
}

func TestDispatchInvalidRecipientSkipsTransport(t *testing.T) {
	email := &fakeTransport{}
	d := newTestDispatcher(email, nil)

	err := d.Dispatch(context.Background(), models.ChannelEmail, "not-an-email", Message{Body: "hi"})
	if !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("Dispatch = %v, want ErrInvalidRecipient", err)
	}
	if len(email.sent) != 0 {
		t.Fatalf("transport was called despite invalid recipient")
	}
}

func TestDispatchMissingTransport(t *testing.T) {
	d := newTestDispatcher(&fakeTransport{}, nil)

	err := d.Dispatch(context.Background(), models.ChannelChat, "123456789", Message{Body: "hi"})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Dispatch = %v, want ErrUnknownChannel", err)
	}
}

func TestDispatchWrapsTransportFailure(t *testing.T) {
	email := &fakeTransport{err: fmt.Errorf("connection refused")}
	d := newTestDispatcher(email, nil)

	err := d.Dispatch(context.Background(), models.ChannelEmail, "dev@example.com", Message{Body: "hi"})
	if err == nil {
		t.Fatal("Dispatch = nil, want error")
	}

	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("Dispatch error %T is not a *DeliveryError", err)
	}
	if deliveryErr.Channel != models.ChannelEmail {
		t.Fatalf("DeliveryError.Channel = %s, want email", deliveryErr.Channel)
	}
	if deliveryErr.Reason != "connection refused" {
		t.Fatalf("DeliveryError.Reason = %q", deliveryErr.Reason)
	}
}
