package app

import (
	"github.com/fraterny/quest-backend/internal/handlers"
	"github.com/fraterny/quest-backend/internal/server"
)

func (a *App) wireHandlers() {
	a.router = server.NewRouter(server.Handlers{
		Healthcheck: handlers.NewHealthcheckHandler(),
		Assessment: handlers.NewAssessmentHandler(
			a.log,
			a.svcSet.dispatcher,
			a.svcSet.recovery,
			a.svcSet.tracker,
			a.svcSet.feedback,
		),
		Payment: handlers.NewPaymentHandler(a.log, a.svcSet.payments),
	})
}
