package money

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
)

// TestDataGenerator produces statement-shaped values for tests.
type TestDataGenerator struct {
	faker *gofakeit.Faker
}

// NewTestDataGeneratorWithSeed creates a reproducible generator.
func NewTestDataGeneratorWithSeed(seed int64) *TestDataGenerator {
	return &TestDataGenerator{faker: gofakeit.New(seed)}
}

// RandomAmount returns a positive amount between minMinor and maxMinor
// minor units of currency.
func (g *TestDataGenerator) RandomAmount(currency string, minMinor, maxMinor int64) decimal.Decimal {
	if minMinor > maxMinor {
		minMinor, maxMinor = maxMinor, minMinor
	}
	n := g.faker.Int64() % (maxMinor - minMinor + 1)
	if n < 0 {
		n = -n
	}
	return FromMinor(minMinor+n, currency)
}

// Vendor returns a merchant-like payee name.
func (g *TestDataGenerator) Vendor() string {
	return g.faker.RandomString(vendors) + " " + g.faker.City()
}

// Date returns a YYYY-MM-DD day within the year before now.
func (g *TestDataGenerator) Date(now time.Time) string {
	return g.faker.DateRange(now.AddDate(-1, 0, 0), now).Format("2006-01-02")
}

// TransactionID returns a 12 digit UPI reference.
func (g *TestDataGenerator) TransactionID() string {
	return g.faker.Numerify("############")
}

var vendors = []string{
	"ACME GROCERIES", "CORNER CAFE", "CITY BAKERY", "METRO FUELS",
	"BIGBASKET", "SWIGGY", "ZOMATO", "IRCTC", "AIRTEL PREPAID",
	"APOLLO PHARMACY", "PVR CINEMAS", "RELIANCE SMART", "DMART",
	"UBER INDIA", "OLA CABS", "TATA POWER", "JIO FIBER",
}
