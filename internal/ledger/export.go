package ledger

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/agrobooks/agrobooks/web"
)

const statementSheet = "Statement"

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders money with thousands separators and two decimals.
func FormatAmount(d decimal.Decimal) string {
	return amountPrinter.Sprintf("%.2f", d.Round(2).InexactFloat64())
}

// StatementXLSX renders a statement as a single-sheet workbook.
func StatementXLSX(st Statement) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", statementSheet); err != nil {
		return nil, err
	}

	header := []any{"Date", "Type", "Amount", "Kasar", "Balance", "Financial Year", "Remarks"}
	if err := f.SetSheetRow(statementSheet, "A1", &header); err != nil {
		return nil, err
	}
	row := 2
	opening := []any{"", "Opening balance", "", "", st.OpeningBalance.InexactFloat64()}
	if err := f.SetSheetRow(statementSheet, fmt.Sprintf("A%d", row), &opening); err != nil {
		return nil, err
	}
	for _, t := range st.Transactions {
		row++
		values := []any{
			t.Date.Format(time.DateOnly),
			string(t.Type),
			t.Amount.InexactFloat64(),
			t.Kasar.InexactFloat64(),
			t.BalanceAfter.InexactFloat64(),
			fmt.Sprintf("%d-%02d", t.FinancialYear, (t.FinancialYear+1)%100),
			t.Remarks,
		}
		if err := f.SetSheetRow(statementSheet, fmt.Sprintf("A%d", row), &values); err != nil {
			return nil, err
		}
	}
	row++
	totals := []any{"", "Totals", fmt.Sprintf("credit %s / debit %s", FormatAmount(st.TotalCredit), FormatAmount(st.TotalDebit)), "", st.ClosingBalance.InexactFloat64()}
	if err := f.SetSheetRow(statementSheet, fmt.Sprintf("A%d", row), &totals); err != nil {
		return nil, err
	}

	style, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(statementSheet, "C2", fmt.Sprintf("E%d", row), style); err != nil {
		return nil, err
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StatementRenderer turns statements into printable HTML.
type StatementRenderer struct {
	tpl *template.Template
}

// NewStatementRenderer parses the embedded statement template.
func NewStatementRenderer() (*StatementRenderer, error) {
	funcs := template.FuncMap{
		"amount": FormatAmount,
		"date":   func(t time.Time) string { return t.Format("02 Jan 2006") },
	}
	tpl, err := template.New("ledger_statement.html").Funcs(funcs).ParseFS(web.Templates, "templates/reports/ledger_statement.html")
	if err != nil {
		return nil, err
	}
	return &StatementRenderer{tpl: tpl}, nil
}

// HTML renders st.
func (r *StatementRenderer) HTML(st Statement) (string, error) {
	buf := &bytes.Buffer{}
	if err := r.tpl.ExecuteTemplate(buf, "ledger_statement.html", st); err != nil {
		return "", err
	}
	return buf.String(), nil
}
