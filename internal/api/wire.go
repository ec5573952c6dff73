package api

import (
	"fmt"
	"strings"

	"pettycash/internal/core"
)

// JSON shapes exchanged with the backend. Amounts travel as decimal strings.
type (
	expenseDTO struct {
		ID          string `json:"id"`
		Date        string `json:"date"`
		Description string `json:"description"`
		Amount      string `json:"amount"`
		Category    string `json:"category"`
		ClientID    string `json:"client_id,omitempty"`
		HasReceipt  bool   `json:"has_receipt"`
	}

	clientDTO struct {
		ID    string `json:"id,omitempty"`
		Name  string `json:"name"`
		Email string `json:"email,omitempty"`
		Phone string `json:"phone,omitempty"`
		Notes string `json:"notes,omitempty"`
	}

	transferDTO struct {
		ID        string `json:"id,omitempty"`
		Date      string `json:"date"`
		ClientID  string `json:"client_id"`
		Amount    string `json:"amount"`
		Direction string `json:"direction"`
		Reference string `json:"reference,omitempty"`
	}

	categoryDTO struct {
		Name   string `json:"name"`
		Amount string `json:"amount"`
	}

	dashboardDTO struct {
		Balance    string        `json:"balance"`
		MonthSpent string        `json:"month_spent"`
		Year       int           `json:"year"`
		Month      int           `json:"month"`
		ByCategory []categoryDTO `json:"by_category"`
		Recent     []expenseDTO  `json:"recent"`
	}

	createdDTO struct {
		ID string `json:"id"`
	}

	errorDTO struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

// parseSigned accepts backend amounts, which may be negative for balances.
func parseSigned(s string) (core.Money, error) {
	if s == "" {
		return core.Money{}, nil
	}
	neg := s[0] == '-'
	if neg {
		s = s[1:]
	}
	if s != "" && strings.Trim(s, "0.") == "" {
		return core.Money{}, nil
	}
	cents, err := core.ParseDecimalToCents(s)
	if err != nil {
		return core.Money{}, fmt.Errorf("%w: amount %q", ErrBadResponse, s)
	}
	if neg {
		cents = -cents
	}
	return core.Money{Cents: cents}, nil
}

func (d expenseDTO) toCore() (core.Expense, error) {
	date, err := core.ParseDate(d.Date)
	if err != nil {
		return core.Expense{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	amount, err := parseSigned(d.Amount)
	if err != nil {
		return core.Expense{}, err
	}
	e := core.Expense{
		RemoteID:    d.ID,
		Date:        date,
		Description: d.Description,
		Amount:      amount,
		Category:    d.Category,
		ClientID:    d.ClientID,
		Status:      core.StatusSynced,
	}
	if d.HasReceipt {
		e.Attachments = []core.Attachment{{Name: "receipt", MIMEType: "image/jpeg"}}
	}
	return e, nil
}

func (d clientDTO) toCore() core.Client {
	return core.Client{ID: d.ID, Name: d.Name, Email: d.Email, Phone: d.Phone, Notes: d.Notes}
}

func clientFromCore(c core.Client) clientDTO {
	return clientDTO{ID: c.ID, Name: c.Name, Email: c.Email, Phone: c.Phone, Notes: c.Notes}
}

func (d transferDTO) toCore() (core.Transfer, error) {
	date, err := core.ParseDate(d.Date)
	if err != nil {
		return core.Transfer{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	amount, err := parseSigned(d.Amount)
	if err != nil {
		return core.Transfer{}, err
	}
	return core.Transfer{
		RemoteID:  d.ID,
		Date:      date,
		ClientID:  d.ClientID,
		Amount:    amount,
		Direction: core.Direction(d.Direction),
		Reference: d.Reference,
		Status:    core.StatusSynced,
	}, nil
}

func transferFromCore(t core.Transfer) transferDTO {
	return transferDTO{
		Date:      t.Date.String(),
		ClientID:  t.ClientID,
		Amount:    t.Amount.Decimal(),
		Direction: string(t.Direction),
		Reference: t.Reference,
	}
}

func (d dashboardDTO) toCore() (core.Dashboard, error) {
	balance, err := parseSigned(d.Balance)
	if err != nil {
		return core.Dashboard{}, err
	}
	spent, err := parseSigned(d.MonthSpent)
	if err != nil {
		return core.Dashboard{}, err
	}
	out := core.Dashboard{Balance: balance, MonthSpent: spent, Year: d.Year, Month: d.Month}
	for _, c := range d.ByCategory {
		amount, err := parseSigned(c.Amount)
		if err != nil {
			return core.Dashboard{}, err
		}
		out.ByCategory = append(out.ByCategory, core.CategoryAmount{Name: c.Name, Amount: amount})
	}
	for _, r := range d.Recent {
		e, err := r.toCore()
		if err != nil {
			return core.Dashboard{}, err
		}
		out.Recent = append(out.Recent, e)
	}
	return out, nil
}
