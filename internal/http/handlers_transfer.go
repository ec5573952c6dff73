package http

import (
	"errors"
	"net/http"
	"strings"

	"pettycash/internal/core"
	applog "pettycash/internal/log"
	"pettycash/internal/services"
)

type transfersView struct {
	Today     core.Date
	Clients   []core.Client
	Transfers []core.Transfer
	Warning   string
}

// ClientName resolves a client id for display.
func (v transfersView) ClientName(id string) string {
	for _, c := range v.Clients {
		if c.ID == id {
			return c.Name
		}
	}
	return id
}

// handleTransfers renders the payee book and the transfer history.
func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	view := transfersView{Today: core.NewDate(now.Year(), int(now.Month()), now.Day())}

	b := NewHTMXResponse()
	if s.deps.Transfers != nil {
		clients, err := s.deps.Transfers.Clients(r.Context())
		if err != nil {
			s.logger.WarnContext(r.Context(), "Client list unavailable", applog.FieldError, err)
		}
		view.Clients = clients
	}
	if s.deps.Ledger != nil {
		transfers, err := s.deps.Ledger.Transfers(r.Context())
		if err != nil {
			s.logger.WarnContext(r.Context(), "Transfer list degraded",
				applog.FieldError, err,
				applog.FieldOperation, applog.OpList)
			view.Warning = "The backend is unreachable. Showing local transfers only."
			b.TriggerWarningNotification(view.Warning)
		}
		view.Transfers = transfers
	}

	if r.Header.Get("HX-Request") == "true" {
		s.renderPartial(w, r, b, "transfers", view)
		return
	}
	s.render(w, r, http.StatusOK, "transfers.html", view)
}

// handleCreateTransfer records cash handed to or received from a client.
func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	if resp := ParseFormOrFail(r); resp != nil {
		resp.Write(w)
		return
	}
	if s.deps.Transfers == nil {
		ErrorResponse(http.StatusServiceUnavailable, "Transfers are not configured").Write(w)
		return
	}

	amount, err := core.ParseMoney(r.FormValue("amount"))
	if err != nil {
		s.validationFailed(w, r, err)
		return
	}
	now := s.now()
	date := core.NewDate(now.Year(), int(now.Month()), now.Day())
	if v := strings.TrimSpace(r.FormValue("date")); v != "" {
		if date, err = core.ParseDate(v); err != nil {
			s.validationFailed(w, r, err)
			return
		}
	}

	t := core.Transfer{
		Date:      date,
		ClientID:  sanitizeInput(r.FormValue("client_id")),
		Amount:    amount,
		Direction: core.Direction(sanitizeInput(r.FormValue("direction"))),
		Reference: sanitizeInput(r.FormValue("reference")),
	}
	if err := t.Validate(); err != nil {
		s.validationFailed(w, r, err)
		return
	}

	id, err := s.deps.Transfers.Record(r.Context(), t)
	if errors.Is(err, services.ErrUnknownClient) {
		s.validationFailed(w, r, err)
		return
	}
	if err != nil {
		s.events.LogError(r.Context(), "Failed to queue transfer", err, applog.ComponentTransfer, applog.OpEnqueue,
			applog.NewFields().With(applog.FieldAmountCents, t.Amount.Cents))
		InternalServerError("The transfer could not be saved. Try again.").Write(w)
		return
	}

	s.appMetrics.inc(&s.appMetrics.transfers)
	s.logger.InfoContext(r.Context(), "Transfer queued",
		applog.FieldOutboxKind, core.KindTransfer,
		applog.FieldOutboxID, id,
		"client_id", t.ClientID,
		"direction", t.Direction,
		applog.FieldAmountCents, t.Amount.Cents)
	if s.deps.Ledger != nil {
		s.deps.Ledger.InvalidateTransfers()
	}

	NewHTMXResponse().
		TriggerTransferQueued().
		TriggerFormReset().
		TriggerDashboardRefresh().
		TriggerSuccessNotification("Transfer saved").
		BodyHTML(`<div class="success">Transfer queued for sync</div>`).
		Write(w)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	if resp := ParseFormOrFail(r); resp != nil {
		resp.Write(w)
		return
	}
	if s.deps.Transfers == nil {
		ErrorResponse(http.StatusServiceUnavailable, "Transfers are not configured").Write(w)
		return
	}

	c := core.Client{
		Name:  sanitizeInput(r.FormValue("name")),
		Email: sanitizeInput(r.FormValue("email")),
		Phone: sanitizeInput(r.FormValue("phone")),
		Notes: sanitizeInput(r.FormValue("notes")),
	}
	if err := c.Validate(); err != nil {
		s.validationFailed(w, r, err)
		return
	}

	created, err := s.deps.Transfers.AddClient(r.Context(), c)
	if err != nil {
		s.events.LogError(r.Context(), "Failed to create client", err, applog.ComponentBackend, applog.OpCreate,
			applog.NewFields().With(applog.FieldErrorType, applog.ErrorTypeNetwork))
		ErrorResponse(http.StatusBadGateway, "The client could not be created. Is the backend reachable?").Write(w)
		return
	}

	s.logger.InfoContext(r.Context(), "Client created", "client_id", created.ID)
	if s.deps.Ledger != nil {
		s.deps.Ledger.InvalidateAll()
	}
	NewHTMXResponse().
		TriggerClientsChanged().
		TriggerFormReset().
		TriggerSuccessNotification("Client added: " + created.Name).
		BodyHTML(`<div class="success">Client added</div>`).
		Write(w)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	if resp := ParseFormOrFail(r); resp != nil {
		resp.Write(w)
		return
	}
	if s.deps.Transfers == nil {
		ErrorResponse(http.StatusServiceUnavailable, "Transfers are not configured").Write(w)
		return
	}
	id := sanitizeInput(r.FormValue("id"))
	if id == "" {
		BadRequestError("Missing client id").Write(w)
		return
	}

	if err := s.deps.Transfers.RemoveClient(r.Context(), id); err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to delete client",
			applog.FieldError, err,
			applog.FieldOperation, applog.OpDelete,
			"client_id", id)
		ErrorResponse(http.StatusBadGateway, "The client could not be removed. Try again.").Write(w)
		return
	}
	if s.deps.Ledger != nil {
		s.deps.Ledger.InvalidateAll()
	}

	NewHTMXResponse().
		TriggerClientsChanged().
		TriggerSuccessNotification("Client removed").
		Write(w)
}
