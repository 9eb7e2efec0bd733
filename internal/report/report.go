package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/shopspring/decimal"

	"github.com/camuig/spot-ledger/internal/avgprice"
)

const (
	amountPlaces = 8
	valuePlaces  = 2
	pricePlaces  = 8
)

var tableHeader = []string{"Asset", "Net amount", "Net value", "Avg price", "Trades"}

// PrintTable writes the averages as an aligned console table followed by a totals line.
func PrintTable(w io.Writer, title string, entries []avgprice.Entry) error {
	rows := make([][]string, 0, len(entries)+1)
	rows = append(rows, tableHeader)
	totalValue := decimal.Zero
	totalTrades := 0
	for _, e := range entries {
		rows = append(rows, []string{
			e.Asset,
			e.NetBuyAmount.StringFixed(amountPlaces),
			e.NetBuyValue.StringFixed(valuePlaces),
			e.AvgPrice.StringFixed(pricePlaces),
			fmt.Sprintf("%d", e.Trades),
		})
		totalValue = totalValue.Add(e.NetBuyValue)
		totalTrades += e.Trades
	}

	widths := make([]int, len(tableHeader))
	for _, row := range rows {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", title)
	if len(entries) == 0 {
		b.WriteString("no buy trades in scope\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	for n, row := range rows {
		for i, cell := range row {
			if i == 0 {
				b.WriteString(runewidth.FillRight(cell, widths[i]))
			} else {
				b.WriteString("  ")
				b.WriteString(runewidth.FillLeft(cell, widths[i]))
			}
		}
		b.WriteString("\n")
		if n == 0 {
			total := 0
			for _, wd := range widths {
				total += wd
			}
			b.WriteString(strings.Repeat("-", total+2*(len(widths)-1)))
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "Total: %d assets, %d trades, net value %s\n", len(entries), totalTrades, totalValue.StringFixed(valuePlaces))

	_, err := io.WriteString(w, b.String())
	return err
}
