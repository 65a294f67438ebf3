package main

import (
	"strings"

	"github.com/MegaGrindStone/go-ts3query"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func renderTable(headers []string, rows [][]string) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, columns)
	for i := range columns {
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			AlignHeader: text.AlignLeft,
			WidthMax:    60,
		}
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// renderRecords lays records out as a table whose columns are the keys in
// the order they first appear.
func renderRecords(records []ts3query.Record) string {
	var headers []string
	index := map[string]int{}
	for _, rec := range records {
		for _, f := range rec {
			if _, ok := index[f.Key]; !ok {
				index[f.Key] = len(headers)
				headers = append(headers, f.Key)
			}
		}
	}

	rows := make([][]string, len(records))
	for i, rec := range records {
		row := make([]string, len(headers))
		for _, f := range rec {
			if row[index[f.Key]] == "" {
				row[index[f.Key]] = f.Value
			}
		}
		rows[i] = row
	}
	return renderTable(headers, rows)
}

// renderKinds lists the supported notification kinds and the registrations
// each needs.
func renderKinds() string {
	types := ts3query.NotificationTypes()
	rows := make([][]string, len(types))
	for i, t := range types {
		events := t.Events()
		names := make([]string, len(events))
		for j, ev := range events {
			names[j] = string(ev)
		}
		rows[i] = []string{t.String(), strings.Join(names, ", ")}
	}
	return renderTable([]string{"Kind", "Events"}, rows)
}
