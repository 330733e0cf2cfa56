package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type window struct {
	from *time.Time
	to   *time.Time
	fy   *int
}

func newWindow(from, to *time.Time, fy *int) window {
	w := window{from: from, to: to, fy: fy}
	if fy != nil {
		start, end := FinancialYearRange(*fy, time.UTC)
		last := end.Add(-time.Nanosecond)
		if w.from == nil || w.from.Before(start) {
			w.from = &start
		}
		if w.to == nil || w.to.After(last) {
			w.to = &last
		}
	}
	return w
}

func (w window) contains(t Transaction) bool {
	if w.from != nil && t.Date.Before(*w.from) {
		return false
	}
	if w.to != nil && t.Date.After(*w.to) {
		return false
	}
	if w.fy != nil && t.FinancialYear != *w.fy {
		return false
	}
	return true
}

func (w window) before(t Transaction) bool {
	return w.from != nil && t.Date.Before(*w.from)
}

func sortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Seq < txs[j].Seq
		}
		return txs[i].Date.Before(txs[j].Date)
	})
}

// BuildStatement filters an account's history. The opening balance is the
// balance just before the first included entry, or the balance at the window
// start when nothing is included. The closing balance is the last included
// balanceAfter.
func BuildStatement(f StatementFilter, history []Transaction) Statement {
	txs := append([]Transaction(nil), history...)
	sortTransactions(txs)
	w := newWindow(f.From, f.To, f.FinancialYear)

	st := Statement{
		PartyID:        f.PartyID,
		PartyType:      f.PartyType,
		From:           f.From,
		To:             f.To,
		FinancialYear:  f.FinancialYear,
		OpeningBalance: decimal.Zero,
		TotalCredit:    decimal.Zero,
		TotalDebit:     decimal.Zero,
		Transactions:   []Transaction{},
	}
	running := decimal.Zero
	openingSet := false
	for _, t := range txs {
		if w.contains(t) {
			if !openingSet {
				st.OpeningBalance = running
				openingSet = true
			}
			st.Transactions = append(st.Transactions, t)
			switch t.Type {
			case TxCredit:
				st.TotalCredit = st.TotalCredit.Add(t.Amount)
			case TxDebit:
				st.TotalDebit = st.TotalDebit.Add(t.Amount)
			}
		} else if !openingSet && w.before(t) {
			st.OpeningBalance = t.BalanceAfter
		}
		running = t.BalanceAfter
	}
	st.ClosingBalance = st.OpeningBalance
	if n := len(st.Transactions); n > 0 {
		st.ClosingBalance = st.Transactions[n-1].BalanceAfter
	}
	return st
}

// BuildConsolidated merges the credit and debit entries of many accounts.
// A party's opening is its last balance before the window, or the amount of
// its opening entry when that entry falls inside the window.
func BuildConsolidated(f ConsolidatedFilter, histories map[int64][]Transaction) Consolidated {
	w := newWindow(f.From, f.To, f.FinancialYear)
	out := Consolidated{
		PartyType:     f.PartyType,
		From:          f.From,
		To:            f.To,
		FinancialYear: f.FinancialYear,
		Parties:       []PartySummary{},
		Lines:         []ConsolidatedLine{},
		TotalDebit:    decimal.Zero,
		TotalCredit:   decimal.Zero,
	}
	partyIDs := make([]int64, 0, len(histories))
	for id := range histories {
		partyIDs = append(partyIDs, id)
	}
	sort.Slice(partyIDs, func(i, j int) bool { return partyIDs[i] < partyIDs[j] })

	openings := make(map[int64]decimal.Decimal, len(partyIDs))
	for _, id := range partyIDs {
		txs := append([]Transaction(nil), histories[id]...)
		if len(txs) == 0 {
			continue
		}
		sortTransactions(txs)
		summary := PartySummary{PartyID: id, Opening: decimal.Zero, Debit: decimal.Zero, Credit: decimal.Zero}
		var hadBefore bool
		for _, t := range txs {
			if w.before(t) {
				summary.Opening = t.BalanceAfter
				hadBefore = true
			}
		}
		if !hadBefore && txs[0].Type == TxOpening && w.contains(txs[0]) {
			summary.Opening = txs[0].Amount
		}
		for _, t := range txs {
			if !w.contains(t) {
				continue
			}
			switch t.Type {
			case TxCredit:
				summary.Credit = summary.Credit.Add(t.Amount)
			case TxDebit:
				summary.Debit = summary.Debit.Add(t.Amount)
			default:
				continue
			}
			out.Lines = append(out.Lines, ConsolidatedLine{PartyID: id, Date: t.Date, Type: t.Type, Amount: t.Amount})
		}
		summary.Closing = summary.Opening.Sub(summary.Debit).Add(summary.Credit)
		out.TotalDebit = out.TotalDebit.Add(summary.Debit)
		out.TotalCredit = out.TotalCredit.Add(summary.Credit)
		openings[id] = summary.Opening
		out.Parties = append(out.Parties, summary)
	}

	sort.SliceStable(out.Lines, func(i, j int) bool {
		return out.Lines[i].Date.Before(out.Lines[j].Date)
	})
	running := openings
	for i, line := range out.Lines {
		bal := running[line.PartyID]
		if line.Type == TxCredit {
			bal = bal.Add(line.Amount)
		} else {
			bal = bal.Sub(line.Amount)
		}
		running[line.PartyID] = bal
		out.Lines[i].RunningBalance = bal
	}
	return out
}
