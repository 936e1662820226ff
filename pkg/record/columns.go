package record

import (
	"strconv"
	"time"
)

// Columns returns the tabular header matching Row.
func Columns() []string {
	return []string{
		"record_key",
		"product_id", "name", "slugged_name", "status", "brand",
		"category_id", "category_name",
		"old_price", "retail_price", "discount_amount", "discount_percentage",
		"installment_enabled", "max_installment_months",
		"seller_ext_id", "seller_name", "seller_vat_payer", "seller_rating", "seller_role",
		"image_big", "image_medium", "image_small",
		"rating_value", "rating_count",
		"product_labels", "min_qty", "preorder_available", "qty", "offer_uuid",
		"discount_start_date", "discount_end_date",
		"scraped_at", "source_page",
	}
}

// Row renders r in Columns order. The first column is always Key().
func (r Record) Row() []string {
	return []string{
		r.Key(),
		strconv.FormatInt(r.ProductID, 10), r.Name, r.SluggedName, r.Status, r.Brand,
		strconv.FormatInt(r.CategoryID, 10), r.CategoryName,
		formatFloat(r.OldPrice), formatFloat(r.RetailPrice), formatFloat(r.DiscountAmount), formatFloat(r.DiscountPercentage),
		strconv.FormatBool(r.InstallmentEnabled), strconv.Itoa(r.MaxInstallmentMonths),
		r.SellerExtID, r.SellerName, strconv.FormatBool(r.SellerVATPayer), formatFloat(r.SellerRating), r.SellerRole,
		r.ImageBig, r.ImageMedium, r.ImageSmall,
		formatFloat(r.RatingValue), strconv.Itoa(r.RatingCount),
		r.Labels, strconv.Itoa(r.MinQty), strconv.FormatBool(r.PreorderAvailable), strconv.Itoa(r.Qty), r.OfferUUID,
		r.DiscountStart, r.DiscountEnd,
		r.ScrapedAt.Format(time.RFC3339), strconv.Itoa(r.SourcePage),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
