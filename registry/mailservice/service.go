// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package mailservice

import (
	"context"
	"html/template"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/icctcup/registry/internal/retry"
	"github.com/icctcup/registry/registry/registration"
)

var mon = monkit.Package()

// Config configures the notification queue and the SMTP relay.
type Config struct {
	SMTPServerAddress string `help:"smtp server address" default:""`
	From              string `help:"sender email address" default:""`
	AuthType          string `help:"smtp authentication type" default:"simulate"`
	Login             string `help:"plain auth user login" default:""`
	Password          string `help:"plain auth user password" default:""`

	QueueSize int                 `help:"capacity of the in-process mail queue" default:"256"`
	Workers   int                 `help:"number of mail delivery workers" default:"2"`
	Retry     retry.Policy        `help:"retry envelope for a single delivery"`
	Breaker   retry.BreakerConfig `help:"circuit breaker for the mail relay"`
}

var registrationTemplate = template.Must(template.New("registration-submitted").Parse(`
<html>
<body>
<p>Dear {{.CaptainName}},</p>
<p>The registration of <b>{{.TeamName}}</b> ({{.ChurchName}}) with
{{.PlayerCount}} players has been received and is awaiting admin
confirmation. You will be notified once your team is confirmed.</p>
<p>&mdash; ICCT Registration Desk</p>
</body>
</html>`))

// Service drains a bounded queue of registration events and emails the
// captains. Enqueue never blocks the registration path; when the queue is
// full the event is dropped and counted.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	sender Sender

	queue  chan registration.Event
	policy retry.Policy

	breaker *retry.Breaker

	workers int
	once    sync.Once
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a notification service.
func New(log *zap.Logger, sender Sender, config Config) *Service {
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	workers := config.Workers
	if workers <= 0 {
		workers = 2
	}
	policy := config.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
		policy.MaxAttempts = 5
	}
	return &Service{
		log:     log,
		sender:  sender,
		queue:   make(chan registration.Event, queueSize),
		policy:  policy,
		breaker: retry.NewBreaker(config.Breaker),
		workers: workers,
		done:    make(chan struct{}),
	}
}

// Run starts the delivery workers and blocks until ctx is done, then drains
// nothing further and returns once in-flight sends finish.
func (service *Service) Run(ctx context.Context) error {
	for i := 0; i < service.workers; i++ {
		service.wg.Add(1)
		go service.worker(ctx)
	}
	<-ctx.Done()
	service.Close()
	service.wg.Wait()
	return nil
}

// Close stops accepting events and wakes the workers.
func (service *Service) Close() error {
	service.once.Do(func() { close(service.done) })
	return nil
}

// EnqueueRegistration implements registration.Notifier.
func (service *Service) EnqueueRegistration(event registration.Event) {
	select {
	case service.queue <- event:
	default:
		mon.Counter("mail_dropped").Inc(1)
		service.log.Warn("mail queue full, notification dropped",
			zap.String("team", event.TeamName))
	}
}

func (service *Service) worker(ctx context.Context) {
	defer service.wg.Done()
	for {
		select {
		case event := <-service.queue:
			service.deliver(event)
		case <-service.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (service *Service) deliver(event registration.Event) {
	// Delivery outlives the request that queued the event on purpose; its
	// result is not user-visible.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	msg, err := renderRegistration(event, service.sender.FromAddress())
	if err != nil {
		service.log.Error("mail render failed", zap.Error(err))
		return
	}

	err = service.policy.Run(ctx, func(ctx context.Context) error {
		return service.breaker.Run(ctx, func(ctx context.Context) error {
			return service.sender.SendEmail(msg)
		})
	})
	if err != nil {
		mon.Counter("mail_failed").Inc(1)
		service.log.Error("mail delivery failed",
			zap.String("team", event.TeamName), zap.Error(err))
		return
	}
	service.log.Info("mail sent", zap.String("team", event.TeamName))
}

func renderRegistration(event registration.Event, from mail.Address) (*Message, error) {
	var html strings.Builder
	if err := registrationTemplate.Execute(&html, event); err != nil {
		return nil, Error.Wrap(err)
	}

	var to []mail.Address
	for _, addr := range []string{event.CaptainEmail, event.ViceCaptainEmail} {
		if addr != "" {
			to = append(to, mail.Address{Address: addr})
		}
	}
	if len(to) == 0 {
		return nil, Error.New("event has no recipients")
	}

	return &Message{
		To:      to,
		Subject: "ICCT registration received: " + event.TeamName,
		HTML:    html.String(),
	}, nil
}
