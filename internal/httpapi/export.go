package httpapi

import (
	"bytes"
	"encoding/csv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"tokokas/backend/internal/domain"
)

var amountPrinter = message.NewPrinter(language.Indonesian)

// formatAmount renders an exact amount with Indonesian digit grouping, two
// decimals only when there is a fraction, and negatives in parentheses.
func formatAmount(d decimal.Decimal) string {
	abs := d.Abs().Round(2)
	whole := abs.Truncate(0)
	out := amountPrinter.Sprintf("%d", whole.IntPart())
	if frac := abs.Sub(whole); !frac.IsZero() {
		out += "," + strings.TrimPrefix(frac.StringFixed(2), "0.")
	}
	if d.Round(2).IsNegative() {
		return "(" + out + ")"
	}
	return out
}

func incomeExpenseCSV(report domain.IncomeExpenseReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	period := "Semua"
	if report.StartDate != "" || report.EndDate != "" {
		period = strings.TrimSpace(report.StartDate + " s/d " + report.EndDate)
	}
	rows := [][]string{
		{"Laporan Pemasukan dan Pengeluaran"},
		{"Periode", period},
		{},
		{"Jenis", "Kategori", "Total"},
	}
	for _, item := range report.Income {
		rows = append(rows, []string{"Pemasukan", item.Name, formatAmount(item.Total)})
	}
	for _, item := range report.Expense {
		rows = append(rows, []string{"Pengeluaran", item.Name, formatAmount(item.Total)})
	}
	rows = append(rows,
		[]string{},
		[]string{"Total Pemasukan", "", formatAmount(report.TotalIncome)},
		[]string{"Total Pengeluaran", "", formatAmount(report.TotalExpense)},
		[]string{"Laba Bersih", "", formatAmount(report.Net)},
	)

	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func exportFilename(report domain.IncomeExpenseReport) string {
	name := "pemasukan-pengeluaran"
	if report.StartDate != "" {
		name += "-" + report.StartDate
	}
	if report.EndDate != "" {
		name += "-" + report.EndDate
	}
	return name + ".csv"
}
