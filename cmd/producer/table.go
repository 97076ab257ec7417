package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for index, title := range headers {
		header[index] = title
	}

	tw.AppendHeader(header)

	for _, row := range rows {
		cells := make(table.Row, columns)
		for index := range columns {
			if index < len(row) {
				cells[index] = row[index]
			} else {
				cells[index] = ""
			}
		}

		tw.AppendRow(cells)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)

	for index := range columns {
		align := text.AlignLeft
		if index < len(aligns) && aligns[index] == alignRight {
			align = text.AlignRight
		}

		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      index + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}

	tw.SetColumnConfigs(columnConfigs)

	return tw.Render() + "\n"
}
