package main

import (
	"context"
	"fmt"
	"log/slog"

	"sttq/pkg/queue"
)

// openQueue opens the configured queue repository and builds the
// transactor every queue command runs through.
func (a *app) openQueue(ctx context.Context) (*queue.Repository, *queue.Transactor, error) {
	if err := a.cfg.RequireQueue(); err != nil {
		return nil, nil, err
	}
	q := a.cfg.Queue
	repo, err := queue.Open(ctx, q.Dir, queue.Options{
		Remote:     q.Remote,
		Branch:     q.Branch,
		ChunkSize:  q.ChunkSize,
		GitTimeout: q.GitTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open queue: %w", err)
	}
	tx := queue.NewTransactor(repo,
		queue.WithBackoff(q.RetryInterval),
		queue.WithMessagePrefix(a.cfg.HostID),
		queue.WithLogger(a.logger.With(slog.String("queue", repo.Dir()))),
	)
	return repo, tx, nil
}

// transact runs one queue transaction and records it in the ledger.
func (a *app) transact(ctx context.Context, tx *queue.Transactor, action queue.Action, onSuccess func(string)) (queue.Result, error) {
	res, err := tx.Run(ctx, action, onSuccess)
	if lerr := a.ledger.RecordTransaction(context.WithoutCancel(ctx), a.cfg.HostID, res, err); lerr != nil {
		a.logger.Warn("record transaction", slog.String("error", lerr.Error()))
	}
	return res, err
}
