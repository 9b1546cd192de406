package models

import (
	"strconv"
	"strings"
)

// PhoneNA marks a phone number that could not be revealed.
const PhoneNA = "N/A"

type ListingSummary struct {
	Link       string `json:"link"`
	Name       string `json:"name"`
	Price      string `json:"price,omitempty"`
	SellerName string `json:"seller_name,omitempty"`
}

// Valid reports whether the summary carries enough fields to be worth a detail
// visit: link and name, plus price or seller.
func (s ListingSummary) Valid() bool {
	if s.Link == "" || s.Name == "" {
		return false
	}
	return s.Price != "" || s.SellerName != ""
}

// ListingDetail is a summary enriched from the listing page.
type ListingDetail struct {
	ListingSummary
	Phone string `json:"seller_phone"`
}

func NewListingDetail(s ListingSummary) ListingDetail {
	return ListingDetail{ListingSummary: s, Phone: PhoneNA}
}

func (d ListingDetail) HasPhone() bool {
	return d.Phone != "" && d.Phone != PhoneNA
}

// Row flattens the detail into the field map used by the result stores.
func (d ListingDetail) Row() map[string]string {
	phone := d.Phone
	if phone == "" {
		phone = PhoneNA
	}
	return map[string]string{
		"link":         d.Link,
		"name":         d.Name,
		"price":        d.Price,
		"seller_name":  d.SellerName,
		"seller_phone": phone,
	}
}

// RowColumns is the stable column order of Row.
var RowColumns = []string{"link", "name", "price", "seller_name", "seller_phone"}

// ScrapeResult holds the listings of one extraction.
type ScrapeResult struct {
	SourceURL string          `json:"url"`
	Data      []ListingDetail `json:"data"`
}

func (r *ScrapeResult) Rows() []map[string]string {
	rows := make([]map[string]string, 0, len(r.Data))
	for _, d := range r.Data {
		rows = append(rows, d.Row())
	}
	return rows
}

// DetailFromRow is the inverse of ListingDetail.Row.
func DetailFromRow(row map[string]string) ListingDetail {
	d := ListingDetail{
		ListingSummary: ListingSummary{
			Link:       row["link"],
			Name:       row["name"],
			Price:      row["price"],
			SellerName: row["seller_name"],
		},
		Phone: row["seller_phone"],
	}
	if d.Phone == "" {
		d.Phone = PhoneNA
	}
	return d
}

// NormalizePhone keeps digits and '+' only. Values without a single digit
// become PhoneNA.
func NormalizePhone(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "tel:")

	var b strings.Builder
	digits := 0
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits++
			b.WriteRune(r)
		case r == '+':
			b.WriteRune(r)
		}
	}
	if digits == 0 {
		return PhoneNA
	}
	return b.String()
}

// ParsePrice converts a displayed euro price ("1.250,50 €") into a number.
// Prices such as "Grátis" or "Negociável" report false.
func ParsePrice(raw string) (float64, bool) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == ',':
			b.WriteRune(r)
		case r == '.':
			// thousands separator
		}
	}
	s := strings.ReplaceAll(b.String(), ",", ".")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
