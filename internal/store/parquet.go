package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"httptrading/internal/domain"
)

// Compile-time interface check.
var _ QuoteSource = (*QuoteBook)(nil)

// QuoteRecord is the Parquet schema for quote fixtures.
type QuoteRecord struct {
	TradeType string  `parquet:"trade_type"`
	Region    string  `parquet:"region"`
	Ticker    string  `parquet:"ticker"`
	Currency  string  `parquet:"currency"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Latest    float64 `parquet:"latest"`
	PreClose  float64 `parquet:"pre_close"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Tradable  bool    `parquet:"tradable"`
}

// QuoteBook is an in-memory set of quotes keyed by contract, optionally
// seeded from a Parquet file. Safe for concurrent use.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[domain.Contract]domain.Quote
}

// NewQuoteBook returns an empty QuoteBook.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{quotes: make(map[domain.Contract]domain.Quote)}
}

// LoadQuoteBook reads a Parquet quote fixture file into a new QuoteBook.
// When a contract appears more than once the newest timestamp wins.
func LoadQuoteBook(path string) (*QuoteBook, error) {
	records, err := readParquetFile[QuoteRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading quotes %s: %w", path, err)
	}
	qb := NewQuoteBook()
	for _, r := range records {
		qb.Put(r.toQuote())
	}
	return qb, nil
}

// Put stores q unless a newer quote for the same contract is present.
func (qb *QuoteBook) Put(q domain.Quote) {
	key := normalize(q.Contract)
	q.Contract = key

	qb.mu.Lock()
	defer qb.mu.Unlock()
	if cur, ok := qb.quotes[key]; ok && cur.Time.After(q.Time) {
		return
	}
	qb.quotes[key] = q
}

// Quote returns the stored quote for the contract.
func (qb *QuoteBook) Quote(c domain.Contract) (domain.Quote, bool) {
	qb.mu.RLock()
	defer qb.mu.RUnlock()
	q, ok := qb.quotes[normalize(c)]
	return q, ok
}

// Len returns the number of contracts in the book.
func (qb *QuoteBook) Len() int {
	qb.mu.RLock()
	defer qb.mu.RUnlock()
	return len(qb.quotes)
}

// Save writes the book to a Parquet file sorted by region and ticker.
func (qb *QuoteBook) Save(path string) error {
	qb.mu.RLock()
	records := make([]QuoteRecord, 0, len(qb.quotes))
	for _, q := range qb.quotes {
		records = append(records, recordFromQuote(q))
	}
	qb.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].Region != records[j].Region {
			return records[i].Region < records[j].Region
		}
		return records[i].Ticker < records[j].Ticker
	})
	return writeParquetFile(path, records)
}

func normalize(c domain.Contract) domain.Contract {
	c.Ticker = strings.ToUpper(c.Ticker)
	return c
}

func (r QuoteRecord) toQuote() domain.Quote {
	return domain.Quote{
		Contract: domain.Contract{
			TradeType: domain.TradeType(r.TradeType),
			Ticker:    r.Ticker,
			Region:    domain.Region(r.Region),
		},
		Currency:   r.Currency,
		IsTradable: r.Tradable,
		Latest:     decimal.NewFromFloat(r.Latest),
		PreClose:   decimal.NewFromFloat(r.PreClose),
		OpenPrice:  decimal.NewFromFloat(r.Open),
		HighPrice:  decimal.NewFromFloat(r.High),
		LowPrice:   decimal.NewFromFloat(r.Low),
		Time:       time.UnixMilli(r.Timestamp).UTC(),
	}
}

func recordFromQuote(q domain.Quote) QuoteRecord {
	return QuoteRecord{
		TradeType: string(q.Contract.TradeType),
		Region:    string(q.Contract.Region),
		Ticker:    q.Contract.Ticker,
		Currency:  q.Currency,
		Timestamp: q.Time.UnixMilli(),
		Latest:    q.Latest.InexactFloat64(),
		PreClose:  q.PreClose.InexactFloat64(),
		Open:      q.OpenPrice.InexactFloat64(),
		High:      q.HighPrice.InexactFloat64(),
		Low:       q.LowPrice.InexactFloat64(),
		Tradable:  q.IsTradable,
	}
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
