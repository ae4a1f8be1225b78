package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const defaultMaxRows = 1000

var (
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRows        = errors.New("csv must contain at least one data row")
)

// RecipientRow is one recipient of a bulk upload. Fields holds every other
// column by header name; Line is the row's line in the source.
type RecipientRow struct {
	Line   int
	Email  string
	Fields map[string]string
}

// header maps column positions to trimmed names and locates the Email
// column, matched case-insensitively.
type header struct {
	names []string
	email int
}

func readHeader(reader *csv.Reader) (header, error) {
	record, err := reader.Read()
	if err == io.EOF {
		return header{}, ErrNoRows
	}
	if err != nil {
		return header{}, fmt.Errorf("read csv header: %w", err)
	}

	h := header{names: make([]string, len(record)), email: -1}
	for i, name := range record {
		// spreadsheet exports often start with a byte order mark
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		h.names[i] = name
		if h.email == -1 && strings.EqualFold(name, "email") {
			h.email = i
		}
	}
	if h.email == -1 {
		return header{}, ErrNoEmailColumn
	}
	return h, nil
}

// ParseRecipientRows reads at most maxRows recipients. Rows with the wrong
// column count or an empty email are skipped.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	h, err := readHeader(reader)
	if err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}

	var rows []RecipientRow
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		line, _ := reader.FieldPos(0)

		if len(record) != len(h.names) {
			continue
		}
		addr := strings.TrimSpace(record[h.email])
		if addr == "" {
			continue
		}

		row := RecipientRow{Line: line, Email: addr, Fields: make(map[string]string, len(record)-1)}
		for i, v := range record {
			if i == h.email || h.names[i] == "" {
				continue
			}
			row.Fields[h.names[i]] = strings.TrimSpace(v)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows, nil
}
