// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package registry wires the registration subsystems into a runnable peer.
package registry

import (
	"context"
	"net"
	"net/mail"
	"net/smtp"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/icctcup/registry/registry/admin"
	"github.com/icctcup/registry/registry/mailservice"
	"github.com/icctcup/registry/registry/objectstore"
	"github.com/icctcup/registry/registry/registration"
	"github.com/icctcup/registry/registry/registration/dbcleanup"
	"github.com/icctcup/registry/registry/registrationdb"
	"github.com/icctcup/registry/registry/web"
)

var mon = monkit.Package()

// Error is the default error class for peer setup.
var Error = errs.Class("registry peer")

// Config is the global configuration of a registry peer.
type Config struct {
	Database     registrationdb.Config
	Store        objectstore.DiskConfig
	Uploader     objectstore.UploaderConfig
	Registration registration.Config
	Mail         mailservice.Config
	Cleanup      dbcleanup.Config
	Web          web.Config
	Admin        admin.Config
}

// Peer is the registration service process: the public API, the admin API,
// the mail queue and the cleanup chore, all sharing one database and one
// object store.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  registration.DB

	Store objectstore.Store

	Mail struct {
		Sender  mailservice.Sender
		Service *mailservice.Service
	}

	Registration struct {
		Uploader *objectstore.Uploader
		Service  *registration.Service
	}

	Cleanup struct {
		Chore *dbcleanup.Chore
	}

	Servers struct {
		Public *web.Server
		Admin  *admin.Server
	}
}

// New creates a registry peer on top of an opened database and object store.
func New(log *zap.Logger, db registration.DB, store objectstore.Store, config Config) (*Peer, error) {
	peer := &Peer{
		Log:   log,
		DB:    db,
		Store: store,
	}

	{ // setup mail
		peer.Mail.Sender = setupSender(log.Named("mail:sender"), config.Mail)
		peer.Mail.Service = mailservice.New(log.Named("mail:service"), peer.Mail.Sender, config.Mail)
	}

	{ // setup registration
		peer.Registration.Uploader = objectstore.NewUploader(log.Named("uploader"), store, config.Uploader)

		service, err := registration.NewService(
			log.Named("registration:service"),
			peer.DB,
			peer.Registration.Uploader,
			peer.Mail.Service,
			config.Registration,
		)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Registration.Service = service
	}

	{ // setup cleanup
		peer.Cleanup.Chore = dbcleanup.NewChore(log.Named("dbcleanup"), peer.DB.Idempotency(), config.Cleanup)
	}

	{ // setup public api
		listener, err := net.Listen("tcp", config.Web.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Servers.Public = web.NewServer(log.Named("web"), listener, peer.Registration.Service, peer.DB, config.Web)
	}

	{ // setup admin api
		listener, err := net.Listen("tcp", config.Admin.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Servers.Admin = admin.NewServer(log.Named("admin"), listener, peer.Registration.Service, config.Admin)
	}

	return peer, nil
}

// setupSender selects the outgoing mail transport. Anything but plain auth
// degrades to the simulate sender so a deployment without a relay still runs.
func setupSender(log *zap.Logger, config mailservice.Config) mailservice.Sender {
	if config.AuthType == "plain" && config.SMTPServerAddress != "" {
		host, _, err := net.SplitHostPort(config.SMTPServerAddress)
		if err == nil {
			return &mailservice.SMTPSender{
				From:          mail.Address{Address: config.From},
				Auth:          smtp.PlainAuth("", config.Login, config.Password, host),
				ServerAddress: config.SMTPServerAddress,
			}
		}
		log.Warn("invalid smtp server address, falling back to simulated mail",
			zap.String("address", config.SMTPServerAddress), zap.Error(err))
	}
	return mailservice.NoMail{Log: log}
}

// Run runs the peer until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	// The sequence may lag behind committed rows after a crash between
	// allocation and insert; catch it up before serving traffic.
	if err := peer.DB.ReconcileSequence(ctx); err != nil {
		return Error.Wrap(err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return peer.Mail.Service.Run(ctx) })
	group.Go(func() error { return peer.Cleanup.Chore.Run(ctx) })
	group.Go(func() error { return peer.Servers.Public.Run(ctx) })
	group.Go(func() error { return peer.Servers.Admin.Run(ctx) })
	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Admin.Close(),
		peer.Servers.Public.Close(),
		peer.Cleanup.Chore.Close(),
		peer.Mail.Service.Close(),
	)
}
