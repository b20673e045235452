package app

import (
	"github.com/fraterny/quest-backend/internal/repos"
)

type repoSet struct {
	submissions  repos.SubmissionRepo
	users        repos.UserRepo
	transactions repos.TransactionRepo
	feedback     repos.FeedbackRepo
}

func (a *App) wireRepos() {
	gdb := a.pg.DB()
	a.repoSet = repoSet{
		submissions:  repos.NewSubmissionRepo(gdb, a.log),
		users:        repos.NewUserRepo(gdb, a.log),
		transactions: repos.NewTransactionRepo(gdb, a.log),
		feedback:     repos.NewFeedbackRepo(gdb, a.log),
	}
}
