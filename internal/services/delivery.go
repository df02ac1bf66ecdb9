package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/resend/resend-go/v2"
	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type Message struct {
	Channel Channel
	To      string
	Subject string
	Body    string
	// Code is the plaintext code, kept separate from Body so log senders can omit it.
	Code string
}

// Sender delivers one message out of band.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type resendEmails interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type ResendSender struct {
	emails resendEmails
	from   string
}

func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{emails: resend.NewClient(apiKey).Emails, from: from}
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	_, err := s.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	})
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}

type twilioMessages interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

type TwilioSender struct {
	messages twilioMessages
	from     string
}

func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{messages: client.Api, from: from}
}

// Send does not observe cancellation once the request is in flight; the
// twilio client has no context-aware call.
func (s *TwilioSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(s.from)
	params.SetBody(msg.Body)

	if _, err := s.messages.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio: %w", err)
	}
	return nil
}

// LogSender writes deliveries to the structured log. Development only.
type LogSender struct {
	IncludeCode bool
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	details := map[string]interface{}{
		"channel": string(msg.Channel),
		"to":      logger.MaskDestination(msg.To),
		"subject": msg.Subject,
	}
	if s.IncludeCode {
		details["code"] = msg.Code
	}
	logger.Info("code_delivered", details)
	return nil
}

// Dispatcher routes a message to the sender registered for its channel.
type Dispatcher struct {
	senders map[Channel]Sender
	timeout time.Duration
}

func NewDispatcher(timeout time.Duration) *Dispatcher {
	return &Dispatcher{senders: make(map[Channel]Sender), timeout: timeout}
}

func (d *Dispatcher) Register(channel Channel, sender Sender) *Dispatcher {
	d.senders[channel] = sender
	return d
}

func NewDispatcherFromConfig(cfg config.DeliveryConfig) *Dispatcher {
	d := NewDispatcher(cfg.SendTimeout)
	logSender := LogSender{IncludeCode: cfg.LogCodes}

	if strings.EqualFold(cfg.EmailProvider, "resend") && cfg.ResendAPIKey != "" {
		d.Register(ChannelEmail, NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom))
	} else {
		d.Register(ChannelEmail, logSender)
	}

	if strings.EqualFold(cfg.SMSProvider, "twilio") && cfg.TwilioSID != "" {
		d.Register(ChannelSMS, NewTwilioSender(cfg.TwilioSID, cfg.TwilioToken, cfg.TwilioFrom))
	} else {
		d.Register(ChannelSMS, logSender)
	}

	return d
}

func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	sender, ok := d.senders[msg.Channel]
	if !ok {
		return fmt.Errorf("%w: no sender for channel %q", ErrDeliveryFailed, msg.Channel)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := sender.Send(ctx, msg); err != nil {
		logger.Warn("code_delivery_failed", map[string]interface{}{
			"channel": string(msg.Channel),
			"to":      logger.MaskDestination(msg.To),
			"error":   err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

type codePurpose string

const (
	purposeLogin     codePurpose = "login"
	purposeTwoFactor codePurpose = "two_factor"
)

func codeMessage(channel Channel, to, code string, purpose codePurpose, ttl time.Duration) Message {
	subject := "Your HearthBudget sign-in code"
	lead := "Your sign-in code is"
	if purpose == purposeTwoFactor {
		subject = "Your HearthBudget verification code"
		lead = "Your verification code is"
	}
	minutes := int(ttl.Round(time.Minute) / time.Minute)
	return Message{
		Channel: channel,
		To:      to,
		Subject: subject,
		Body:    fmt.Sprintf("%s %s. It expires in %d minutes.", lead, code, minutes),
		Code:    code,
	}
}
