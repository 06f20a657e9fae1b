package model

import "fmt"

// CertPlaceholder is written when the extraction result has no cert_number
const CertPlaceholder = "N/A"

// Record holds the fields extracted from one payout email.
// Prices and dates are kept exactly as the extraction service emitted them.
type Record struct {
	ItemName   string  `json:"item_name"`
	CertNumber *string `json:"cert_number,omitempty"`
	SalePrice  string  `json:"sale_price"`
	Proceeds   string  `json:"proceeds"`
	SaleDate   string  `json:"sale_date"`
}

// Cert returns a certification number for Record.CertNumber
func Cert(s string) *string {
	return &s
}

// Key returns the dedupe key of the record
func (r Record) Key() Key {
	return Key{ItemName: r.ItemName, SalePrice: r.SalePrice}
}

// Row returns the spreadsheet row for the record:
// sale date, item name, sale price, proceeds, cert number.
// A present cert number is written as is, even when empty.
func (r Record) Row() []string {
	cert := CertPlaceholder
	if r.CertNumber != nil {
		cert = *r.CertNumber
	}
	return []string{r.SaleDate, r.ItemName, r.SalePrice, r.Proceeds, cert}
}

// Key identifies a sale for deduplication
type Key struct {
	ItemName  string
	SalePrice string
}

func (k Key) String() string {
	return fmt.Sprintf("%s at %s", k.ItemName, k.SalePrice)
}

// KeyFromRow derives the key of an existing spreadsheet row.
// Rows with fewer than three columns are malformed and yield false.
func KeyFromRow(row []string) (Key, bool) {
	if len(row) < 3 {
		return Key{}, false
	}
	return Key{ItemName: row[1], SalePrice: row[2]}, true
}

// KeySet is the set of sales already present in the sheet
type KeySet map[Key]struct{}

// NewKeySet builds a set from existing rows, skipping malformed ones
func NewKeySet(rows [][]string) KeySet {
	ks := make(KeySet, len(rows))
	for _, row := range rows {
		if k, ok := KeyFromRow(row); ok {
			ks.Add(k)
		}
	}
	return ks
}

// Has reports whether k is in the set
func (ks KeySet) Has(k Key) bool {
	_, ok := ks[k]
	return ok
}

// Add inserts k into the set
func (ks KeySet) Add(k Key) {
	ks[k] = struct{}{}
}

// Len returns the number of keys
func (ks KeySet) Len() int {
	return len(ks)
}
