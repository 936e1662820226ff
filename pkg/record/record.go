// Package record normalizes raw catalog products into flat, typed records.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMissingIdentity is returned for products without id or name.
var ErrMissingIdentity = errors.New("missing identity fields")

// ValidationError describes a product that was rejected.
type ValidationError struct {
	Page  int
	Index int
	Err   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("page %d item %d: %v", e.Page, e.Index, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Record is one normalized discounted product.
type Record struct {
	// Identity
	ProductID int64
	OfferUUID string
	Name      string

	SluggedName  string
	Status       string
	Brand        string
	CategoryID   int64
	CategoryName string

	// Pricing
	OldPrice           float64
	RetailPrice        float64
	DiscountAmount     float64
	DiscountPercentage float64

	InstallmentEnabled   bool
	MaxInstallmentMonths int

	// Seller
	SellerExtID    string
	SellerName     string
	SellerVATPayer bool
	SellerRating   float64
	SellerRole     string

	// Media
	ImageBig    string
	ImageMedium string
	ImageSmall  string

	// Rating
	RatingValue float64
	RatingCount int

	Labels            string
	MinQty            int
	PreorderAvailable bool
	Qty               int

	// Validity window of the discount, as sent by the source
	DiscountStart string
	DiscountEnd   string

	ScrapedAt  time.Time
	SourcePage int
}

// Key returns the identity used for deduplication across runs.
func (r Record) Key() string {
	if r.OfferUUID == "" {
		return strconv.FormatInt(r.ProductID, 10)
	}
	return strconv.FormatInt(r.ProductID, 10) + ":" + r.OfferUUID
}

// product mirrors the fields of a source product that are kept.
type product struct {
	ID          integer `json:"id"`
	Name        text    `json:"name"`
	SluggedName text    `json:"slugged_name"`
	Status      text    `json:"status"`
	Brand       text    `json:"brand"`
	Category    struct {
		ID   integer `json:"id"`
		Name text    `json:"name"`
	} `json:"category"`
	DefaultOffer struct {
		UUID                 text    `json:"uuid"`
		OldPrice             number  `json:"old_price"`
		RetailPrice          number  `json:"retail_price"`
		InstallmentEnabled   flag    `json:"installment_enabled"`
		MaxInstallmentMonths integer `json:"max_installment_months"`
		Qty                  integer `json:"qty"`
		DiscountStart        text    `json:"discount_effective_start_date"`
		DiscountEnd          text    `json:"discount_effective_end_date"`
		Seller               struct {
			ExtID         text `json:"ext_id"`
			MarketingName struct {
				Name text `json:"name"`
			} `json:"marketing_name"`
			VATPayer flag   `json:"vat_payer"`
			Rating   number `json:"rating"`
			RoleName text   `json:"role_name"`
		} `json:"seller"`
	} `json:"default_offer"`
	MainImg struct {
		Big    text `json:"big"`
		Medium text `json:"medium"`
		Small  text `json:"small"`
	} `json:"main_img"`
	Ratings struct {
		RatingValue  number  `json:"rating_value"`
		SessionCount integer `json:"session_count"`
	} `json:"ratings"`
	Labels []struct {
		Text text `json:"text"`
	} `json:"product_labels"`
	MinQty            *integer `json:"min_qty"`
	PreorderAvailable flag     `json:"preorder_available"`
}

// Normalize converts one raw product into a Record.
// Products missing id or name are rejected with ErrMissingIdentity. Other
// fields that are absent or of an unexpected shape are left at their zero
// value.
func Normalize(raw json.RawMessage, page int, now time.Time) (Record, error) {
	var p product
	if err := json.Unmarshal(raw, &p); err != nil {
		// A nested object sent as another type only loses that object
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return Record{}, fmt.Errorf("decode product: %w", err)
		}
	}

	name := strings.TrimSpace(string(p.Name))
	if p.ID == 0 || name == "" {
		return Record{}, ErrMissingIdentity
	}

	offer := p.DefaultOffer
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		if l.Text != "" {
			labels = append(labels, string(l.Text))
		}
	}

	minQty := 1
	if p.MinQty != nil {
		minQty = int(*p.MinQty)
	}

	oldPrice, retailPrice := float64(offer.OldPrice), float64(offer.RetailPrice)

	return Record{
		ProductID:    int64(p.ID),
		OfferUUID:    string(offer.UUID),
		Name:         name,
		SluggedName:  string(p.SluggedName),
		Status:       string(p.Status),
		Brand:        string(p.Brand),
		CategoryID:   int64(p.Category.ID),
		CategoryName: string(p.Category.Name),

		OldPrice:           oldPrice,
		RetailPrice:        retailPrice,
		DiscountAmount:     oldPrice - retailPrice,
		DiscountPercentage: discountPercentage(oldPrice, retailPrice),

		InstallmentEnabled:   bool(offer.InstallmentEnabled),
		MaxInstallmentMonths: int(offer.MaxInstallmentMonths),

		SellerExtID:    string(offer.Seller.ExtID),
		SellerName:     string(offer.Seller.MarketingName.Name),
		SellerVATPayer: bool(offer.Seller.VATPayer),
		SellerRating:   float64(offer.Seller.Rating),
		SellerRole:     string(offer.Seller.RoleName),

		ImageBig:    string(p.MainImg.Big),
		ImageMedium: string(p.MainImg.Medium),
		ImageSmall:  string(p.MainImg.Small),

		RatingValue: float64(p.Ratings.RatingValue),
		RatingCount: int(p.Ratings.SessionCount),

		Labels:            strings.Join(labels, ", "),
		MinQty:            minQty,
		PreorderAvailable: bool(p.PreorderAvailable),
		Qty:               int(offer.Qty),

		DiscountStart: string(offer.DiscountStart),
		DiscountEnd:   string(offer.DiscountEnd),

		ScrapedAt:  now.UTC(),
		SourcePage: page,
	}, nil
}

// NormalizePage converts every item of a page, collecting rejections.
// Records keep the item order of the page.
func NormalizePage(page int, items []json.RawMessage, now time.Time) ([]Record, []error) {
	records := make([]Record, 0, len(items))
	var rejected []error
	for i, raw := range items {
		rec, err := Normalize(raw, page, now)
		if err != nil {
			rejected = append(rejected, &ValidationError{Page: page, Index: i, Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, rejected
}

// discountPercentage rounds to two decimals; 0 when there is no old price.
func discountPercentage(oldPrice, retailPrice float64) float64 {
	if oldPrice <= 0 {
		return 0
	}
	return math.Round((oldPrice-retailPrice)/oldPrice*100*100) / 100
}
