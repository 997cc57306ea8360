package ingestion

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"gpu-index/core/registry"
	"gpu-index/core/types"
	"gpu-index/internal/errors"
)

func validator(t *testing.T) *RecordValidator {
	return NewRecordValidator(registry.Default(), DefaultContract(), zaptest.NewLogger(t))
}

func TestParseJSONBatch(t *testing.T) {
	src := `{
  "cycle_id": "2025-11-14",
  "timestamp": "2025-11-14T00:00:00Z",
  "records": [
    {"provider_id": "Amazon Web Services", "category": "hyperscaler", "price": 6.88, "currency": "USD", "variant_normalized": true},
    {"provider_id": "Nebius", "category": "non_hyperscaler", "price": null, "currency": "USD", "variant_normalized": true}
  ]
}`
	b, err := ParseJSON([]byte(src))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if b.CycleID != "2025-11-14" || len(b.Records) != 2 {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if b.Records[1].Price != nil {
		t.Error("null price should decode as nil")
	}
}

func TestParseJSONArray(t *testing.T) {
	b, err := ParseJSON([]byte(`[{"provider_id":"Crusoe","category":"non_hyperscaler","price":2.1,"currency":"USD","variant_normalized":true}]`))
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if len(b.Records) != 1 {
		t.Errorf("records = %d", len(b.Records))
	}
}

func TestParseCSV(t *testing.T) {
	src := `provider_id,category,price,currency,variant_normalized
Voltage Park,non_hyperscaler,1.99,USD,true
Lambda Labs,non_hyperscaler,,USD,true
CoreWeave,hyperscaler,NaN,USD,true
`
	b, err := ParseCSV(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(b.Records) != 3 {
		t.Fatalf("records = %d", len(b.Records))
	}
	if b.Records[1].Price != nil {
		t.Error("empty cell should mean no price")
	}

	res := validator(t).Validate(b.Records)
	if !res.IsValid() {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.Observations[0].ProviderID != "voltage-park" || !res.Observations[0].Present() {
		t.Errorf("first observation = %+v", res.Observations[0])
	}
	if res.Observations[2].Present() {
		t.Error("NaN price must be absent")
	}
}

func TestParseCSVMissingColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("provider_id,price\nNebius,2.0\n"))
	if !errors.IsType(err, errors.TypeSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestValidateSchemaErrors(t *testing.T) {
	yes, no := true, false
	price := 2.5

	tests := []struct {
		name string
		rec  Record
	}{
		{"missing provider", Record{Category: "hyperscaler", Price: &price, Currency: "USD", VariantNormalized: &yes}},
		{"missing category", Record{ProviderID: "aws", Price: &price, Currency: "USD", VariantNormalized: &yes}},
		{"unknown category", Record{ProviderID: "aws", Category: "tier-2", Price: &price, Currency: "USD", VariantNormalized: &yes}},
		{"missing normalization flag", Record{ProviderID: "aws", Category: "hyperscaler", Price: &price, Currency: "USD"}},
		{"not normalized", Record{ProviderID: "aws", Category: "hyperscaler", Price: &price, Currency: "USD", VariantNormalized: &no}},
		{"wrong currency", Record{ProviderID: "aws", Category: "hyperscaler", Price: &price, Currency: "EUR", VariantNormalized: &yes}},
		{"category mismatch", Record{ProviderID: "aws", Category: "non_hyperscaler", Price: &price, Currency: "USD", VariantNormalized: &yes}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := validator(t).Validate([]Record{tt.rec})
			if res.IsValid() {
				t.Fatal("expected a schema error")
			}
			if !errors.IsType(res.Err(), errors.TypeSchema) {
				t.Errorf("Err() type = %v", res.Err())
			}
		})
	}
}

func TestValidateSkipsUnknownProvider(t *testing.T) {
	yes := true
	price := 1.5
	res := validator(t).Validate([]Record{
		{ProviderID: "Brand New Cloud", Category: "non_hyperscaler", Price: &price, Currency: "USD", VariantNormalized: &yes},
	})
	if !res.IsValid() {
		t.Fatalf("unknown provider should not be a schema error: %v", res.Errors)
	}
	if len(res.Unknown) != 1 || len(res.Observations) != 0 {
		t.Errorf("unknown=%v observations=%v", res.Unknown, res.Observations)
	}
}

func TestValidateDuplicateAfterCanonicalization(t *testing.T) {
	yes := true
	p := 2.0
	res := validator(t).Validate([]Record{
		{ProviderID: "Voltage Park", Category: "non_hyperscaler", Price: &p, Currency: "USD", VariantNormalized: &yes},
		{ProviderID: "VoltagePark", Category: "non_hyperscaler", Price: &p, Currency: "USD", VariantNormalized: &yes},
	})
	if res.IsValid() {
		t.Fatal("two records for one provider should be rejected")
	}
}

func TestParseOverrides(t *testing.T) {
	src := `
prices:
  aws: 3.85
  Voltage Park: 1.99
discounts:
  azure:
    discount_pct: 0.6
    volume_discounted_pct: 0.65
`
	o, err := ParseOverrides([]byte(src))
	if err != nil {
		t.Fatalf("ParseOverrides: %v", err)
	}
	if !o.Prices["Voltage Park"].Equal(decimal.RequireFromString("1.99")) {
		t.Errorf("price = %s", o.Prices["Voltage Park"])
	}
	want := types.DiscountParams{DiscountPct: decimal.RequireFromString("0.6"), VolumeDiscountedPct: decimal.RequireFromString("0.65")}
	got := o.Discounts["azure"]
	if !got.DiscountPct.Equal(want.DiscountPct) || !got.VolumeDiscountedPct.Equal(want.VolumeDiscountedPct) {
		t.Errorf("discount = %+v", got)
	}
}

func TestParseOverridesRejectsBadValues(t *testing.T) {
	if _, err := ParseOverrides([]byte("prices:\n  aws: -1\n")); !errors.IsType(err, errors.TypeSchema) {
		t.Errorf("negative price: got %v", err)
	}
	if _, err := ParseOverrides([]byte("pricez:\n  aws: 1\n")); !errors.IsType(err, errors.TypeSchema) {
		t.Errorf("unknown key: got %v", err)
	}
}

func TestParsePriceFlags(t *testing.T) {
	o := &Overrides{}
	if err := o.ParsePriceFlags([]string{"aws=3.9", " gcp = 2.75 "}); err != nil {
		t.Fatalf("ParsePriceFlags: %v", err)
	}
	if !o.Prices["gcp"].Equal(decimal.RequireFromString("2.75")) {
		t.Errorf("gcp = %s", o.Prices["gcp"])
	}
	if err := o.ParsePriceFlags([]string{"aws"}); err == nil {
		t.Error("expected error for missing '='")
	}
}
