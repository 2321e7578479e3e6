package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/gomail.v2"
)

// Sender is satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// MailPublisher emails staff about the events they have to act on.
type MailPublisher struct {
	sender Sender
	from   string
	to     string
	types  map[string]struct{}
}

func NewMailPublisher(cfg MailConfig, types ...string) *MailPublisher {
	return NewMailPublisherWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, cfg.To, types...)
}

func NewMailPublisherWithSender(sender Sender, from, to string, types ...string) *MailPublisher {
	p := &MailPublisher{sender: sender, from: from, to: to, types: map[string]struct{}{}}
	for _, t := range types {
		p.types[t] = struct{}{}
	}
	return p
}

func (p *MailPublisher) Publish(ctx context.Context, event Event) error {
	if _, ok := p.types[event.Type]; !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", p.from)
	m.SetHeader("To", p.to)
	m.SetHeader("Subject", fmt.Sprintf("[smmbroker] %s", event.Type))
	m.SetBody("text/plain", mailBody(event))

	if err := p.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func mailBody(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\nid: %s\nat: %s\n", event.Type, event.ID, event.At.Format("2006-01-02 15:04:05 MST"))
	if event.UserID != 0 {
		fmt.Fprintf(&b, "user: %d\n", event.UserID)
	}
	if event.OrderID != 0 {
		fmt.Fprintf(&b, "order: %d\n", event.OrderID)
	}
	if event.Amount != 0 {
		fmt.Fprintf(&b, "amount: %d\n", event.Amount)
	}
	if event.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", event.Message)
	}
	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, event.Fields[k])
	}
	return b.String()
}
