package http

import (
	"net/http"

	"pettycash/internal/core"
	"pettycash/internal/expenseform"
	applog "pettycash/internal/log"
)

type expenseFormView struct {
	Today   core.Date
	Clients []core.Client
	Widget  captureView
}

type expenseListView struct {
	Year     int
	Month    int
	Expenses []core.Expense
	Warning  string
}

// handleNewExpense renders an empty expense form with its capture widget.
func (s *Server) handleNewExpense(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "expense_form", s.expenseForm(w, r))
}

func (s *Server) expenseForm(w http.ResponseWriter, r *http.Request) expenseFormView {
	now := s.now()
	view := expenseFormView{
		Today:  core.NewDate(now.Year(), int(now.Month()), now.Day()),
		Widget: s.captureViewFor(s.widgetID(w, r)),
	}
	if s.deps.Transfers != nil {
		clients, err := s.deps.Transfers.Clients(r.Context())
		if err != nil {
			s.logger.WarnContext(r.Context(), "Client list unavailable", applog.FieldError, err)
		}
		view.Clients = clients
	}
	return view
}

// handleListExpenses renders a month of expenses, local pending rows first.
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	p := ParseMonthParams(r.URL.Query(), s.now())
	view := expenseListView{Year: p.Year, Month: p.Month}

	b := NewHTMXResponse()
	if s.deps.Ledger != nil {
		items, err := s.deps.Ledger.Expenses(r.Context(), p.Year, p.Month)
		if err != nil {
			s.logger.WarnContext(r.Context(), "Expense list degraded",
				applog.FieldError, err,
				applog.FieldOperation, applog.OpList,
				applog.FieldYear, p.Year,
				applog.FieldMonth, p.Month)
			view.Warning = "The backend is unreachable. Showing local expenses only."
			b.TriggerWarningNotification(view.Warning)
		}
		view.Expenses = items
	}
	s.renderPartial(w, r, b, "expense_list", view)
}

// handleCreateExpense validates the form, attaches uploads and the captured
// receipt of the caller's widget, and queues the expense in the outbox.
func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	if resp := ParseMultipartOrFail(w, r); resp != nil {
		resp.Write(w)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	form, err := expenseform.FromValues(r.Form, s.now())
	if err != nil {
		s.validationFailed(w, r, err)
		return
	}

	// The widget renders receipt_expected while it holds a photo, so a draft
	// reaped in the meantime fails the submission instead of vanishing.
	receiptExpected := r.Form.Get(receiptExpectedField) != ""
	widgetID, hasWidget := existingWidgetID(r)
	receipt, hasReceipt := core.Attachment{}, false
	if hasWidget {
		receipt, hasReceipt = s.deps.Drafts.Peek(widgetID)
	}
	switch {
	case hasReceipt:
		if err := form.Attach(receipt); err != nil {
			s.validationFailed(w, r, err)
			return
		}
	case receiptExpected:
		s.validationFailed(w, r, expenseform.ErrReceiptExpired)
		return
	}
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["attachments"] {
			if err := form.AttachUpload(fh); err != nil {
				s.validationFailed(w, r, err)
				return
			}
		}
	}
	if err := form.Validate(); err != nil {
		s.validationFailed(w, r, err)
		return
	}

	expense := form.Expense()
	id, err := s.deps.Expenses.Submit(r.Context(), expense)
	if err != nil {
		s.events.LogError(r.Context(), "Failed to queue expense", err, applog.ComponentExpense, applog.OpEnqueue,
			applog.NewFields().WithExpense(expense.Description, expense.Amount.Cents, expense.Category, len(expense.Attachments)))
		InternalServerError("The expense could not be saved. Try again.").Write(w)
		return
	}

	s.appMetrics.inc(&s.appMetrics.expensesQueued)
	s.events.LogExpenseQueued(r.Context(), id, expense.Description, expense.Amount.Cents, expense.Category, len(expense.Attachments))

	year, month := expense.Date.Year(), int(expense.Date.Month())
	if s.deps.Ledger != nil {
		s.deps.Ledger.InvalidateExpenses(year, month)
	}
	if hasWidget {
		s.deps.Drafts.Drop(widgetID)
		if s.deps.Captures != nil {
			s.deps.Captures.Remove(widgetID)
		}
	}

	NewHTMXResponse().
		TriggerExpenseQueued(year, month).
		TriggerFormReset().
		TriggerDashboardRefresh().
		TriggerCaptureState(s.captureViewFor(widgetID).State).
		TriggerSuccessNotification("Expense saved: " + expense.Description + " " + expense.Amount.Decimal()).
		BodyHTML(`<div class="success">Expense queued for sync</div>`).
		Write(w)
}

// validationFailed answers 422 with the validation message.
func (s *Server) validationFailed(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.InfoContext(r.Context(), "Submission rejected",
		applog.FieldError, err,
		applog.FieldOperation, applog.OpValidate,
		applog.FieldErrorType, applog.ErrorTypeValidation)
	UnprocessableEntityError(err.Error()).
		TriggerErrorNotification(err.Error()).
		Write(w)
}
