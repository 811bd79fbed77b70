// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package mailservice_test

import (
	"context"
	"net/mail"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/icctcup/registry/internal/retry"
	"github.com/icctcup/registry/registry/mailservice"
	"github.com/icctcup/registry/registry/registration"
)

type captureSender struct {
	mu       sync.Mutex
	messages []*mailservice.Message
	fail     int
}

func (sender *captureSender) FromAddress() mail.Address {
	return mail.Address{Address: "desk@icct.example.com"}
}

func (sender *captureSender) SendEmail(msg *mailservice.Message) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.fail > 0 {
		sender.fail--
		return errs.New("relay unavailable")
	}
	sender.messages = append(sender.messages, msg)
	return nil
}

func (sender *captureSender) Messages() []*mailservice.Message {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return append([]*mailservice.Message(nil), sender.messages...)
}

func testEvent() registration.Event {
	return registration.Event{
		TeamName:         "Thunder XI",
		ChurchName:       "St. Thomas Church",
		CaptainName:      "Captain",
		CaptainEmail:     "captain@example.com",
		ViceCaptainEmail: "vice@example.com",
		PlayerCount:      11,
	}
}

func runService(t *testing.T, sender mailservice.Sender, config mailservice.Config) (*mailservice.Service, func()) {
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
	}
	service := mailservice.New(zaptest.NewLogger(t), sender, config)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = service.Run(ctx)
	}()
	return service, func() {
		cancel()
		<-done
	}
}

func TestDeliversToBothCaptains(t *testing.T) {
	sender := &captureSender{}
	service, stop := runService(t, sender, mailservice.Config{})
	defer stop()

	service.EnqueueRegistration(testEvent())

	require.Eventually(t, func() bool {
		return len(sender.Messages()) == 1
	}, time.Second, time.Millisecond)

	msg := sender.Messages()[0]
	require.Len(t, msg.To, 2)
	assert.Equal(t, "captain@example.com", msg.To[0].Address)
	assert.Equal(t, "vice@example.com", msg.To[1].Address)
	assert.Contains(t, msg.Subject, "Thunder XI")
	assert.Contains(t, msg.HTML, "Thunder XI")
	assert.Contains(t, msg.HTML, "St. Thomas Church")
}

func TestDeliveryRetriesTransientFailures(t *testing.T) {
	sender := &captureSender{fail: 2}
	service, stop := runService(t, sender, mailservice.Config{})
	defer stop()

	service.EnqueueRegistration(testEvent())

	require.Eventually(t, func() bool {
		return len(sender.Messages()) == 1
	}, time.Second, time.Millisecond)
}

func TestQueueFullDropsEvent(t *testing.T) {
	sender := &captureSender{}
	service := mailservice.New(zaptest.NewLogger(t), sender, mailservice.Config{QueueSize: 1})
	// workers never started: the queue fills and further events are dropped
	defer func() { _ = service.Close() }()

	for i := 0; i < 10; i++ {
		service.EnqueueRegistration(testEvent())
	}
	// reaching here without blocking is the assertion
}

func TestSkipsEventWithoutRecipients(t *testing.T) {
	sender := &captureSender{}
	service, stop := runService(t, sender, mailservice.Config{})
	defer stop()

	event := testEvent()
	event.CaptainEmail = ""
	event.ViceCaptainEmail = ""
	service.EnqueueRegistration(event)
	service.EnqueueRegistration(testEvent())

	require.Eventually(t, func() bool {
		return len(sender.Messages()) == 1
	}, time.Second, time.Millisecond)
	require.Len(t, sender.Messages()[0].To, 2)
}
