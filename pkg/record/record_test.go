package record

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const sampleProduct = `{
	"id": 42,
	"name": "  Phone X  ",
	"slugged_name": "phone-x",
	"status": "active",
	"brand": "Acme",
	"category": {"id": 7, "name": "Phones"},
	"default_offer": {
		"uuid": "offer-42",
		"old_price": 300,
		"retail_price": 199.99,
		"installment_enabled": true,
		"max_installment_months": 12,
		"qty": 3,
		"discount_effective_start_date": "2025-02-01",
		"discount_effective_end_date": "2025-03-31",
		"seller": {
			"ext_id": "s-1",
			"marketing_name": {"name": "Best Seller"},
			"vat_payer": true,
			"rating": 4.7,
			"role_name": "merchant"
		}
	},
	"main_img": {"big": "b.jpg", "medium": "m.jpg", "small": "s.jpg"},
	"ratings": {"rating_value": 4.9, "session_count": 17},
	"product_labels": [{"text": "Hot"}, {"text": ""}, {"text": "Sale"}],
	"preorder_available": true
}`

func TestNormalize(t *testing.T) {
	rec, err := Normalize(json.RawMessage(sampleProduct), 3, fixedNow)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if rec.ProductID != 42 || rec.Name != "Phone X" || rec.OfferUUID != "offer-42" {
		t.Errorf("identity = (%d, %q, %q)", rec.ProductID, rec.Name, rec.OfferUUID)
	}
	if math.Abs(rec.DiscountAmount-100.01) > 1e-9 {
		t.Errorf("DiscountAmount = %v", rec.DiscountAmount)
	}
	if rec.DiscountPercentage != 33.34 {
		t.Errorf("DiscountPercentage = %v, want 33.34", rec.DiscountPercentage)
	}
	if rec.SellerName != "Best Seller" || !rec.SellerVATPayer {
		t.Errorf("seller = (%q, %v)", rec.SellerName, rec.SellerVATPayer)
	}
	if rec.Labels != "Hot, Sale" {
		t.Errorf("Labels = %q, want %q", rec.Labels, "Hot, Sale")
	}
	if rec.MinQty != 1 {
		t.Errorf("MinQty default = %d, want 1", rec.MinQty)
	}
	if rec.SourcePage != 3 || !rec.ScrapedAt.Equal(fixedNow) {
		t.Errorf("metadata = (%d, %v)", rec.SourcePage, rec.ScrapedAt)
	}
	if rec.Key() != "42:offer-42" {
		t.Errorf("Key() = %q", rec.Key())
	}
}

func TestNormalize_MissingIdentity(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"name": "Phone"}`},
		{"zero id", `{"id": 0, "name": "Phone"}`},
		{"missing name", `{"id": 5}`},
		{"blank name", `{"id": 5, "name": "   "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(json.RawMessage(tt.raw), 1, fixedNow)
			if !errors.Is(err, ErrMissingIdentity) {
				t.Errorf("Normalize() error = %v, want ErrMissingIdentity", err)
			}
		})
	}
}

func TestNormalize_ZeroOldPrice(t *testing.T) {
	rec, err := Normalize(json.RawMessage(`{"id": 1, "name": "A", "default_offer": {"retail_price": 10}}`), 1, fixedNow)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if rec.DiscountPercentage != 0 {
		t.Errorf("DiscountPercentage = %v, want 0", rec.DiscountPercentage)
	}
	if rec.Key() != "1" {
		t.Errorf("Key() without offer = %q, want %q", rec.Key(), "1")
	}
}

func TestNormalizePage(t *testing.T) {
	items := []json.RawMessage{
		json.RawMessage(`{"id": 1, "name": "A"}`),
		json.RawMessage(`{"name": "no id"}`),
		json.RawMessage(`not json`),
		json.RawMessage(`{"id": 2, "name": "B"}`),
	}

	records, rejected := NormalizePage(9, items, fixedNow)

	if len(records) != 2 || records[0].ProductID != 1 || records[1].ProductID != 2 {
		t.Fatalf("records = %+v", records)
	}
	if len(rejected) != 2 {
		t.Fatalf("rejected = %d, want 2", len(rejected))
	}

	var ve *ValidationError
	if !errors.As(rejected[0], &ve) || ve.Page != 9 || ve.Index != 1 {
		t.Errorf("rejected[0] = %v", rejected[0])
	}
	if !errors.Is(rejected[0], ErrMissingIdentity) {
		t.Errorf("rejected[0] should wrap ErrMissingIdentity")
	}
}

func TestRowMatchesColumns(t *testing.T) {
	rec, _ := Normalize(json.RawMessage(sampleProduct), 1, fixedNow)

	row := rec.Row()
	if len(row) != len(Columns()) {
		t.Fatalf("len(Row()) = %d, len(Columns()) = %d", len(row), len(Columns()))
	}
	if row[0] != rec.Key() {
		t.Errorf("first column = %q, want key %q", row[0], rec.Key())
	}
}

func TestNormalize_MistypedOptionalFields(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(Record) bool
	}{
		{"float qty", `{"id": 1, "name": "A", "default_offer": {"qty": 2.0}}`,
			func(r Record) bool { return r.Qty == 2 }},
		{"string rating", `{"id": 1, "name": "A", "ratings": {"rating_value": "4.5", "session_count": "12"}}`,
			func(r Record) bool { return r.RatingValue == 4.5 && r.RatingCount == 12 }},
		{"string min qty", `{"id": 1, "name": "A", "min_qty": "3"}`,
			func(r Record) bool { return r.MinQty == 3 }},
		{"numeric flags", `{"id": 1, "name": "A", "preorder_available": 1, "default_offer": {"installment_enabled": "true"}}`,
			func(r Record) bool { return r.PreorderAvailable && r.InstallmentEnabled }},
		{"string prices", `{"id": 1, "name": "A", "default_offer": {"old_price": "200", "retail_price": 150}}`,
			func(r Record) bool { return r.OldPrice == 200 && r.DiscountPercentage == 25 }},
		{"numeric uuid", `{"id": 1, "name": "A", "default_offer": {"uuid": 77}}`,
			func(r Record) bool { return r.OfferUUID == "77" }},
		{"unreadable number", `{"id": 1, "name": "A", "default_offer": {"qty": "many"}}`,
			func(r Record) bool { return r.Qty == 0 }},
		{"category as string", `{"id": 1, "name": "A", "category": "Phones", "brand": "Acme"}`,
			func(r Record) bool { return r.CategoryName == "" && r.Brand == "Acme" }},
		{"labels as string", `{"id": 1, "name": "A", "product_labels": "Hot", "min_qty": 2}`,
			func(r Record) bool { return r.Labels == "" && r.MinQty == 2 }},
		{"string id", `{"id": "42", "name": "A"}`,
			func(r Record) bool { return r.ProductID == 42 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Normalize(json.RawMessage(tt.raw), 1, fixedNow)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if !tt.check(rec) {
				t.Errorf("Normalize() = %+v", rec)
			}
		})
	}
}

func TestNormalize_UnreadableIdentityRejected(t *testing.T) {
	for _, raw := range []string{`{"id": "abc", "name": "A"}`, `{"id": 1, "name": {"en": "A"}}`, `"just a string"`} {
		if _, err := Normalize(json.RawMessage(raw), 1, fixedNow); !errors.Is(err, ErrMissingIdentity) {
			t.Errorf("Normalize(%s) error = %v, want ErrMissingIdentity", raw, err)
		}
	}
}
