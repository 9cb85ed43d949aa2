package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// renderTable draws rows under headers. align carries one byte per column,
// 'r' for right-aligned numbers and anything else for left; a short string
// leaves the remaining columns left-aligned. A non-empty footer is drawn
// below a separator.
func renderTable(headers []string, rows [][]string, align string, footer []string) string {
	if len(headers) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(toRow(headers, len(headers)))
	for _, row := range rows {
		tw.AppendRow(toRow(row, len(headers)))
	}
	if len(footer) > 0 {
		tw.AppendFooter(toRow(footer, len(headers)))
		tw.Style().Format.Footer = text.FormatDefault
	}

	configs := make([]table.ColumnConfig, len(headers))
	for i := range headers {
		a := text.AlignLeft
		if i < len(align) && align[i] == 'r' {
			a = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: a, AlignFooter: a, AlignHeader: text.AlignLeft}
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// toRow pads or cuts cells to width.
func toRow(cells []string, width int) table.Row {
	row := make(table.Row, width)
	for i := range row {
		row[i] = ""
		if i < len(cells) {
			row[i] = cells[i]
		}
	}
	return row
}
