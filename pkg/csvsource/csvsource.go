// Package csvsource reads payment files and hands them to the ledger in
// bounded chunks of canonical records.
package csvsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mcclellann/loanrecon/pkg/models"
)

const DefaultChunkSize = 1000

// Canonical column names. Files may use these directly or the bank export
// names in headerAliases.
const (
	ColPaymentDate      = "paymentDate"
	ColPayerName        = "payerName"
	ColPayerSurname     = "payerSurname"
	ColAmount           = "amount"
	ColNationalID       = "nationalId"
	ColLoanReference    = "loanReference"
	ColPaymentReference = "paymentReference"
)

var headerAliases = map[string]string{
	"nationalSecurityNumber": ColNationalID,
	"description":            ColLoanReference,
}

// Reader yields chunks of at most chunkSize records. It is not safe for
// concurrent use.
type Reader struct {
	csv       *csv.Reader
	closer    io.Closer
	chunkSize int
	columns   map[string]int
	width     int
	row       int
	done      bool
}

// Open opens a payment file. delimiter defaults to a comma when empty.
func Open(path string, chunkSize int, delimiter string) (*Reader, error) {
	var comma rune = ','
	if delimiter != "" {
		comma = []rune(delimiter)[0]
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file %s: %w", path, err)
	}
	r := NewReader(file, chunkSize, comma)
	r.closer = file
	return r, nil
}

// NewReader wraps an already open stream.
func NewReader(in io.Reader, chunkSize int, comma rune) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	cr := csv.NewReader(in)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return &Reader{csv: cr, chunkSize: chunkSize}
}

// Next returns the next chunk, or io.EOF when the file is exhausted.
func (r *Reader) Next(ctx context.Context) ([]models.PaymentRecord, error) {
	if r.done {
		return nil, io.EOF
	}
	if r.columns == nil {
		if err := r.readHeader(); err != nil {
			r.done = true
			return nil, err
		}
	}

	chunk := make([]models.PaymentRecord, 0, r.chunkSize)
	for len(chunk) < r.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV: %w", err)
		}
		r.row++
		if len(fields) != r.width {
			line, _ := r.csv.FieldPos(0)
			log.Printf("Malformed CSV row at line %d: %d fields, header has %d", line, len(fields), r.width)
			continue
		}
		chunk = append(chunk, r.record(fields))
	}

	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

// Close closes the underlying file when the reader was created by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Reader) readHeader() error {
	header, err := r.csv.Read()
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if err != nil {
		return fmt.Errorf("error reading CSV header: %w", err)
	}

	r.columns = make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if alias, ok := headerAliases[name]; ok {
			name = alias
		}
		r.columns[name] = i
	}
	r.width = len(header)
	return nil
}

func (r *Reader) record(fields []string) models.PaymentRecord {
	get := func(col string) string {
		if i, ok := r.columns[col]; ok {
			return fields[i]
		}
		return ""
	}
	return models.PaymentRecord{
		Row:              r.row,
		PaymentDate:      get(ColPaymentDate),
		PayerName:        get(ColPayerName),
		PayerSurname:     get(ColPayerSurname),
		Amount:           get(ColAmount),
		NationalID:       get(ColNationalID),
		LoanReference:    get(ColLoanReference),
		PaymentReference: get(ColPaymentReference),
	}
}
