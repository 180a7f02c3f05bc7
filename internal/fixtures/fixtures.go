// Package fixtures holds the demo catalog and coupons loaded by the memory
// store and by seed-db.
package fixtures

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/servicebook/internal/domain/catalog"
	"github.com/xenking/servicebook/internal/domain/coupon"
)

// Services returns the demo catalog.
func Services() []catalog.Service {
	return []catalog.Service{
		{
			ID:          "house-clean",
			Name:        "House cleaning",
			CategoryID:  "cleaning",
			BasePrice:   decimal.RequireFromString("40"),
			Active:      true,
			Description: "Regular cleaning of living areas, kitchen and bathrooms",
		},
		{
			ID:          "deep-clean",
			Name:        "Deep cleaning",
			CategoryID:  "cleaning",
			BasePrice:   decimal.RequireFromString("55"),
			Active:      true,
			Description: "Top to bottom clean including appliances and windows",
		},
		{
			ID:          "garden-care",
			Name:        "Garden care",
			CategoryID:  "outdoor",
			BasePrice:   decimal.RequireFromString("35.50"),
			Active:      true,
			Description: "Mowing, weeding and hedge trimming",
		},
		{
			ID:         "handyman",
			Name:       "Handyman",
			CategoryID: "repairs",
			BasePrice:  decimal.RequireFromString("60"),
			Active:     false,
		},
	}
}

// Coupons returns the demo coupons.
func Coupons() []coupon.Coupon {
	return []coupon.Coupon{
		{
			ID:          "cp-welcome10",
			Code:        "WELCOME10",
			Type:        coupon.TypePercentage,
			Value:       decimal.NewFromInt(10),
			UsageLimit:  intPtr(1000),
			Active:      true,
			Description: "10% off your first booking",
		},
		{
			ID:             "cp-clean20",
			Code:           "CLEAN20",
			Type:           coupon.TypeFixed,
			Value:          decimal.NewFromInt(20),
			MinOrderAmount: decimal.NewNullDecimal(decimal.NewFromInt(100)),
			CategoryIDs:    []string{"cleaning"},
			Active:         true,
			Description:    "$20 off cleaning orders over $100",
		},
		{
			ID:                "cp-garden25",
			Code:              "GARDEN25",
			Type:              coupon.TypePercentage,
			Value:             decimal.NewFromInt(25),
			MaxDiscountAmount: decimal.NewNullDecimal(decimal.NewFromInt(30)),
			ServiceIDs:        []string{"garden-care"},
			UsageLimit:        intPtr(50),
			Active:            true,
			Description:       "25% off garden care, up to $30",
		},
	}
}

func intPtr(v int) *int { return &v }
