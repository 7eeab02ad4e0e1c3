/*
Copyright © 2022 the flowmap authors.
This file is part of flowmap.

flowmap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

flowmap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with flowmap.  If not, see <http://www.gnu.org/licenses/>.
*/

package table

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spatialmodel/flowmap/internal/atomicfile"
	"github.com/tealeg/xlsx"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Delimiter returns the field delimiter implied by the extension of path:
// a comma for .csv files and a tab for everything else.
func Delimiter(path string) rune {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ','
	}
	return '\t'
}

// ReadFile reads the delimited table at path. enc names the text encoding
// of the file; "" means UTF-8. Any label known to the WHATWG encoding index
// is accepted (for example "gbk" or "gb18030").
func ReadFile(path, enc string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("table: %v", err)
	}
	defer f.Close()
	t, err := Read(f, Delimiter(path), enc)
	if err != nil {
		return nil, fmt.Errorf("table: reading %s: %w", path, err)
	}
	t.Path = path
	return t, nil
}

// Read reads a delimited table from r. A header line containing a tab is
// always read as tab-delimited, whatever delim is; this lets
// the column vocabulary, not the file name, decide how the file is parsed.
func Read(r io.Reader, delim rune, enc string) (*Table, error) {
	dec, err := decoder(enc)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(transform.NewReader(r, dec))
	header, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	if strings.TrimSpace(header) == "" {
		return nil, fmt.Errorf("missing header line")
	}
	if strings.ContainsRune(header, '\t') {
		delim = '\t'
	}

	cr := csv.NewReader(io.MultiReader(strings.NewReader(header), br))
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	names, err := cr.Read()
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = strings.TrimSpace(n)
	}
	t := New(names...)
	if len(t.cols) != len(names) {
		return nil, fmt.Errorf("duplicate column names in header %q", strings.Join(names, ","))
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

// decoder returns a transformer that decodes enc into UTF-8 and strips any
// byte order mark.
func decoder(enc string) (transform.Transformer, error) {
	if enc == "" {
		enc = "utf-8"
	}
	e, err := htmlindex.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("unsupported text encoding %q: %v", enc, err)
	}
	return unicode.BOMOverride(e.NewDecoder()), nil
}

// WriteFile writes t to path, which is replaced only once the whole table
// has been written. The delimiter follows the extension of path. Comma
// delimited files start with a UTF-8 byte order mark so that spreadsheet
// programs detect the encoding.
func (t *Table) WriteFile(path string) error {
	delim := Delimiter(path)
	err := atomicfile.Write(path, func(w io.Writer) error {
		if delim == ',' {
			tw := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
			if err := t.Write(tw, delim); err != nil {
				return err
			}
			return tw.Close()
		}
		return t.Write(w, delim)
	})
	if err != nil {
		return fmt.Errorf("table: writing %s: %w", path, err)
	}
	return nil
}

// Write writes t to w using the given delimiter.
func (t *Table) Write(w io.Writer, delim rune) error {
	cw := csv.NewWriter(w)
	cw.Comma = delim
	if err := cw.Write(t.cols); err != nil {
		return err
	}
	if err := cw.WriteAll(t.rows); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes t to a single-sheet spreadsheet at path. Values that
// parse as numbers are stored as numeric cells.
func (t *Table) WriteXLSX(path, sheetName string) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet(sheetName)
	if err != nil {
		return fmt.Errorf("table: writing %s: %v", path, err)
	}
	row := sheet.AddRow()
	for _, c := range t.cols {
		row.AddCell().SetString(c)
	}
	for _, r := range t.rows {
		row := sheet.AddRow()
		for _, v := range r {
			cell := row.AddCell()
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cell.SetFloat(f)
			} else {
				cell.SetString(v)
			}
		}
	}
	if err := atomicfile.Write(path, file.Write); err != nil {
		return fmt.Errorf("table: writing %s: %w", path, err)
	}
	return nil
}
