package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"synthtune/internal/models"
)

var ErrNoHeader = errors.New("csv has no header row")

// WriteCSV serializes t as comma separated text: header row first, one line
// per row, no index column.
func WriteCSV(w io.Writer, t *models.Table) error {
	if t == nil {
		return errors.New("table is nil")
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(t.Columns))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes t to a new file at path.
func WriteCSVFile(path string, t *models.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteCSV(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCSV parses CSV with a header row. Every record must have the header's
// width.
func ReadCSV(r io.Reader) (*models.Table, error) {
	return readCSV(r, true)
}

// ReadCSVLenient is ReadCSV that drops records whose width differs from the
// header instead of failing.
func ReadCSVLenient(r io.Reader) (*models.Table, error) {
	return readCSV(r, false)
}

func readCSV(r io.Reader, strict bool) (*models.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	t := &models.Table{Columns: header}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record %d: %w", line, err)
		}
		if len(rec) != len(header) {
			if strict {
				return nil, fmt.Errorf("record %d has %d fields, want %d", line, len(rec), len(header))
			}
			continue
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// ReadCSVFile reads a CSV dataset file.
func ReadCSVFile(path string) (*models.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	t, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
