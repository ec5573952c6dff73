package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pettycash/internal/api"
	"pettycash/internal/core"
	"pettycash/internal/storage"
)

var ErrUnknownClient = errors.New("unknown client")

// TransferService keeps the payee book and records cash handed to or
// returned by clients. Client changes go to the backend synchronously;
// transfers go through the outbox like expenses.
type TransferService struct {
	outbox    TransferOutbox
	book      ClientBook
	directory ClientDirectory
	publisher Publisher
}

func NewTransferService(outbox TransferOutbox, book ClientBook, directory ClientDirectory, publisher Publisher) *TransferService {
	return &TransferService{
		outbox:    outbox,
		book:      book,
		directory: directory,
		publisher: publisher,
	}
}

// Clients returns the payee list, refreshing the local mirror from the
// backend. When the backend is unreachable the mirror is served as is.
func (s *TransferService) Clients(ctx context.Context) ([]core.Client, error) {
	if s.directory != nil {
		remote, err := s.directory.ListClients(ctx)
		if err == nil {
			if err := s.book.ReplaceClients(ctx, remote); err != nil {
				slog.WarnContext(ctx, "Failed to refresh local client book", "error", err)
			}
			return remote, nil
		}
		slog.WarnContext(ctx, "Backend client list unavailable, using local copy", "error", err)
	}
	return s.book.ListClients(ctx)
}

// AddClient registers a payee with the backend and mirrors it locally.
func (s *TransferService) AddClient(ctx context.Context, c core.Client) (core.Client, error) {
	if err := c.Validate(); err != nil {
		return core.Client{}, err
	}
	if s.directory == nil {
		return core.Client{}, errors.New("client directory not configured")
	}
	created, err := s.directory.CreateClient(ctx, c)
	if err != nil {
		return core.Client{}, fmt.Errorf("create client: %w", err)
	}
	if err := s.book.UpsertClient(ctx, created); err != nil {
		slog.WarnContext(ctx, "Failed to mirror new client", "client_id", created.ID, "error", err)
	}
	return created, nil
}

// RemoveClient deletes a payee. A client the backend no longer knows is
// treated as already removed.
func (s *TransferService) RemoveClient(ctx context.Context, id string) error {
	if s.directory != nil {
		if err := s.directory.DeleteClient(ctx, id); err != nil && !api.IsNotFound(err) {
			return fmt.Errorf("delete client: %w", err)
		}
	}
	if err := s.book.DeleteClient(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete local client: %w", err)
	}
	return nil
}

// Record validates and queues a transfer. The client must be in the local book.
func (s *TransferService) Record(ctx context.Context, t core.Transfer) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}

	clients, err := s.book.ListClients(ctx)
	if err != nil {
		return 0, fmt.Errorf("load clients: %w", err)
	}
	if !hasClient(clients, t.ClientID) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownClient, t.ClientID)
	}

	id, err := s.outbox.EnqueueTransfer(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("save transfer: %w", err)
	}
	if err := publish(ctx, s.publisher, core.KindTransfer, id); err != nil {
		slog.ErrorContext(ctx, "Failed to publish sync message",
			"kind", core.KindTransfer, "id", id, "error", err)
	}
	return id, nil
}

func hasClient(clients []core.Client, id string) bool {
	for _, c := range clients {
		if c.ID == id {
			return true
		}
	}
	return false
}
