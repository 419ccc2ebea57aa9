// Package fingerprint derives stable identities for transactions and files.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/normalizer"
)

// ChecksumPrefix marks file checksums as SHA-256 digests.
const ChecksumPrefix = "sha256:"

// Compute hashes date|amount|vendor|TYPE into a 64 character lowercase hex
// digest. The amount is always rendered with exactly two fractional digits and
// an empty type hashes the same as an absent one.
func Compute(date string, amount decimal.Decimal, vendor, txType string) string {
	payload := strings.Join([]string{
		date,
		amount.StringFixed(2),
		vendor,
		strings.ToUpper(strings.TrimSpace(txType)),
	}, "|")

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// FromFields fingerprints normalized fields.
func FromFields(f normalizer.Fields) string {
	return Compute(f.Date, f.Amount, f.Vendor, f.TransactionType)
}

// FileChecksum identifies byte-identical uploads.
func FileChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return ChecksumPrefix + hex.EncodeToString(sum[:])
}
