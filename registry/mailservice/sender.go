// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package mailservice delivers registration notification emails through a
// bounded in-process queue with retries and a circuit breaker.
package mailservice

import (
	"fmt"
	"net/mail"
	"net/smtp"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default error class for the mailservice package.
var Error = errs.Class("mailservice")

// Message is a rendered email ready to send.
type Message struct {
	To        []mail.Address
	Subject   string
	PlainText string
	HTML      string
}

// Sender sends emails.
type Sender interface {
	SendEmail(msg *Message) error
	FromAddress() mail.Address
}

// SMTPSender sends messages through an SMTP relay with plain auth.
type SMTPSender struct {
	From          mail.Address
	Auth          smtp.Auth
	ServerAddress string
}

// FromAddress implements Sender.
func (sender *SMTPSender) FromAddress() mail.Address { return sender.From }

// SendEmail implements Sender.
func (sender *SMTPSender) SendEmail(msg *Message) error {
	var to []string
	for _, addr := range msg.To {
		to = append(to, addr.Address)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", sender.From.String())
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n", msg.Subject)
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	body.WriteString("\r\n")
	body.WriteString(msg.HTML)

	return Error.Wrap(smtp.SendMail(sender.ServerAddress, sender.Auth, sender.From.Address, to, []byte(body.String())))
}

// NoMail is a Sender that discards every message. Used when the deployment
// has no SMTP relay configured.
type NoMail struct {
	Log *zap.Logger
}

// FromAddress implements Sender.
func (NoMail) FromAddress() mail.Address { return mail.Address{Address: "noreply@localhost"} }

// SendEmail implements Sender.
func (n NoMail) SendEmail(msg *Message) error {
	if n.Log != nil {
		var to []string
		for _, addr := range msg.To {
			to = append(to, addr.Address)
		}
		n.Log.Info("mail simulated", zap.Strings("to", to), zap.String("subject", msg.Subject))
	}
	return nil
}
