package xlsx

import "time"

// NormalizedRow is one parsed spreadsheet row, shaped for the catalogue
// ingest path (spec §4.7.5 alt format): store/price columns plus the
// optional discount and provenance fields a catalogue export may carry.
type NormalizedRow struct {
	StoreIdentifier       string
	ExternalID            *string
	Name                  string
	Description           *string
	Category              *string
	Subcategory           *string
	Brand                 *string
	Unit                  *string
	UnitQuantity          *string
	Price                 int // minor units
	DiscountPrice         *int
	DiscountStart         *time.Time
	DiscountEnd           *time.Time
	Barcodes              []string
	ImageURL              *string
	RowNumber             int
	RawData               string
	UnitPrice             *int
	UnitPriceBaseQuantity *string
	UnitPriceBaseUnit     *string
	LowestPrice30d        *int
	AnchorPrice           *int
	AnchorPriceAsOf       *time.Time
}

// ParseError describes one row or file-level parse failure.
type ParseError struct {
	RowNumber     *int
	Field         *string
	Message       string
	OriginalValue *string
}

// ParseWarning describes one row-level, non-fatal parse issue.
type ParseWarning struct {
	RowNumber *int
	Field     *string
	Message   string
}

// ParseResult is the outcome of parsing one workbook.
type ParseResult struct {
	Rows      []NormalizedRow
	Errors    []ParseError
	Warnings  []ParseWarning
	TotalRows int
	ValidRows int
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }
