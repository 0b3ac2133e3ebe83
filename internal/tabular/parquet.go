package tabular

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"synthtune/internal/models"
)

// used by NewGenericRowGroupReader, which requires the type explicitly
type row any

const parquetReadBatch = 256

// ReadParquet loads the leaf columns of a parquet file. Values are
// stringified; nulls become empty cells.
func ReadParquet(path string) (*models.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	t := &models.Table{}
	for _, schema := range pf.Metadata().Schema {
		if schema.Type == nil {
			continue
		}
		t.Columns = append(t.Columns, schema.Name)
	}

	buf := make([]parquet.Row, parquetReadBatch)
	for _, rg := range pf.RowGroups() {
		if err := readRowGroup(rg, t, buf); err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", path, err)
		}
	}
	return t, nil
}

func readRowGroup(rg parquet.RowGroup, t *models.Table, buf []parquet.Row) error {
	reader := parquet.NewGenericRowGroupReader[row](rg)
	defer reader.Close()
	for {
		// ReadRows may return fewer rows than len(buf) before EOF
		n, err := reader.ReadRows(buf)
		for _, r := range buf[:n] {
			cells := make([]string, len(t.Columns))
			for _, v := range r {
				idx := v.Column()
				if idx < 0 || idx >= len(cells) || v.IsNull() {
					continue
				}
				cells[idx] = v.String()
			}
			t.Rows = append(t.Rows, cells)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
