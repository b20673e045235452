package app

import (
	"github.com/fraterny/quest-backend/internal/services"
)

type serviceSet struct {
	tracker     services.StatusTracker
	recovery    services.RecoveryMatcher
	dispatcher  services.AnalysisDispatcher
	payments    services.PaymentService
	fulfillment services.FulfillmentPipeline
	feedback    services.FeedbackService
}

func (a *App) wireServices() error {
	runTx := services.GormTxRunner(a.pg.DB())

	a.svcSet.tracker = services.NewStatusTracker(
		a.log,
		runTx,
		a.repoSet.submissions,
		a.repoSet.users,
		a.repoSet.transactions,
		a.repoSet.feedback,
	)

	a.svcSet.recovery = services.NewRecoveryMatcher(a.log, a.repoSet.submissions)

	a.svcSet.dispatcher = services.NewAnalysisDispatcher(
		a.log,
		a.repoSet.submissions,
		a.repoSet.users,
		a.svcSet.tracker,
		a.clients.engine,
		a.clients.deduper,
		a.runner,
	)

	a.svcSet.fulfillment = services.NewFulfillmentPipeline(
		a.log,
		a.repoSet.submissions,
		a.repoSet.users,
		a.repoSet.transactions,
		a.svcSet.tracker,
		a.clients.engine,
		a.clients.docs,
		a.clients.bucket,
		a.clients.mailer,
	)

	a.svcSet.payments = services.NewPaymentService(
		a.log,
		a.clients.registry,
		a.repoSet.submissions,
		a.repoSet.transactions,
		a.repoSet.users,
		a.svcSet.tracker,
		a.svcSet.fulfillment,
		a.runner,
	)

	a.svcSet.feedback = services.NewFeedbackService(a.log, a.repoSet.submissions, a.repoSet.feedback)

	if a.clients.sink != nil {
		a.exporter = services.NewReportingExporter(
			a.log,
			a.repoSet.submissions,
			a.repoSet.users,
			a.repoSet.transactions,
			a.repoSet.feedback,
			a.clients.sink,
		)
	}

	return nil
}
