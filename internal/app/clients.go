package app

import (
	"context"
	"fmt"

	redisclient "github.com/fraterny/quest-backend/internal/clients/redis"
	"github.com/fraterny/quest-backend/internal/platform/analysisengine"
	"github.com/fraterny/quest-backend/internal/platform/doctools"
	"github.com/fraterny/quest-backend/internal/platform/gateway"
	"github.com/fraterny/quest-backend/internal/platform/gateway/paypal"
	"github.com/fraterny/quest-backend/internal/platform/gateway/razorpay"
	"github.com/fraterny/quest-backend/internal/platform/gcp"
	"github.com/fraterny/quest-backend/internal/platform/gsheets"
	"github.com/fraterny/quest-backend/internal/platform/sendgrid"
)

type clientSet struct {
	engine   analysisengine.Client
	registry *gateway.Registry
	deduper  redisclient.Deduper
	docs     doctools.Service
	bucket   gcp.BucketService
	mailer   sendgrid.Client
	sink     gsheets.Sink
}

// wireClients builds the external collaborators. The engine and at
// least one payment gateway are hard requirements; everything else
// degrades to a logged warning so a dev environment can boot without
// the full credential set.
func (a *App) wireClients() error {
	engine, err := analysisengine.NewFromEnv(a.log)
	if err != nil {
		return err
	}
	a.clients.engine = engine

	a.clients.registry = gateway.NewRegistry()
	if gw, err := razorpay.NewFromEnv(a.log); err != nil {
		a.log.Warn("Razorpay gateway not configured", "error", err.Error())
	} else {
		a.clients.registry.Register(gw)
	}
	if gw, err := paypal.NewFromEnv(a.log); err != nil {
		a.log.Warn("PayPal gateway not configured", "error", err.Error())
	} else {
		a.clients.registry.Register(gw)
	}
	if len(a.clients.registry.Names()) == 0 {
		return fmt.Errorf("no payment gateway configured")
	}

	if deduper, err := redisclient.NewDeduper(a.log); err != nil {
		a.log.Warn("Redis dedup disabled", "error", err.Error())
	} else {
		a.clients.deduper = deduper
	}

	if docs, err := doctools.NewFromEnv(a.log); err != nil {
		a.log.Warn("Document tooling disabled", "error", err.Error())
	} else {
		a.clients.docs = docs
	}

	if bucket, err := gcp.NewBucketService(context.Background(), a.log); err != nil {
		a.log.Warn("Artifact bucket disabled", "error", err.Error())
	} else {
		a.clients.bucket = bucket
	}

	if mailer, err := sendgrid.NewFromEnv(a.log); err != nil {
		a.log.Warn("Mailer disabled", "error", err.Error())
	} else {
		a.clients.mailer = mailer
	}

	if sink, err := gsheets.NewSink(context.Background(), a.log); err != nil {
		a.log.Warn("Sheets export disabled", "error", err.Error())
	} else {
		a.clients.sink = sink
	}

	return nil
}
