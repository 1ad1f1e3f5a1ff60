// Package model defines the core domain types shared across the application.
package model

import "time"

// TransactionStatus describes the settlement state of a ledger transaction.
type TransactionStatus string

const (
	// StatusPending marks a transaction the bank has not settled yet.
	StatusPending TransactionStatus = "pending"
	// StatusNormal is the default settled state.
	StatusNormal TransactionStatus = "normal"
	// StatusCleared marks a transaction confirmed by a balance assertion.
	StatusCleared TransactionStatus = "cleared"
)

// UnitKind describes the envelope semantics of a transaction sub-amount.
type UnitKind string

const (
	// UnitIncome is income budgeted in the current month.
	UnitIncome UnitKind = "income"
	// UnitIncomeNextMonth is income deferred to the next month's budget.
	UnitIncomeNextMonth UnitKind = "incomeNextMonth"
	// UnitBudget is a categorized allocation against a budget envelope.
	UnitBudget UnitKind = "budget"
	// UnitTransfer moves money to another account.
	UnitTransfer UnitKind = "transfer"
)

// Unit is a categorized sub-amount of a ledger transaction.
// When a transaction carries units, their amounts must sum to the
// transaction amount.
type Unit struct {
	ID                int64
	Amount            int64
	Kind              UnitKind
	BudgetID          string
	TransferAccountID string
}

// Transaction is a single row in the persisted ledger. Amounts are signed
// integers in minor currency units.
type Transaction struct {
	Date          time.Time
	ID            string
	DocumentID    string
	AccountID     string
	PayeeID       string
	ImportedID    string // identifier assigned by the external source
	ImportedPayee string // raw payee string from the external source
	Memo          string
	ImportedMemo  string
	Status        TransactionStatus
	Amount        int64
	IsMarker      bool // manually created balance-assertion checkpoint
	Units         []Unit
}

// UnitSum returns the sum of the transaction's unit amounts.
func (t *Transaction) UnitSum() int64 {
	var sum int64
	for _, u := range t.Units {
		sum += u.Amount
	}
	return sum
}

// ValidateUnits checks the unit-sum invariant. Transactions without units
// are always valid.
func (t *Transaction) ValidateUnits() bool {
	if len(t.Units) == 0 {
		return true
	}
	return t.UnitSum() == t.Amount
}

// Reference is one externally supplied transaction record being reconciled
// against the ledger. It is the input contract shared by plugin sync and
// file importers.
type Reference struct {
	Time          time.Time         `json:"time"`
	Amount        int64             `json:"amount"`
	AccountID     string            `json:"accountId"`
	ImportedID    string            `json:"externalId,omitempty"`
	ImportedPayee string            `json:"externalPayeeId,omitempty"`
	Memo          string            `json:"memo,omitempty"`
	Status        TransactionStatus `json:"status,omitempty"`
}

// Budget is an envelope that transactions are categorized against.
type Budget struct {
	ID         string
	DocumentID string
	Name       string
	Hidden     bool
}

// Payee is a normalized counterparty.
type Payee struct {
	ID         string
	DocumentID string
	Name       string
}

// Account is a ledger account owned by a document.
type Account struct {
	ID         string
	DocumentID string
	Name       string
	OffBudget  bool
}
