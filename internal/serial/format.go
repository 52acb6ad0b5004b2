package serial

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/carbonmint/internal/domain"
)

// Prefix builds the "{year}-{companyCode}-{projectCode}" serial prefix.
func Prefix(year int, companyCode, projectCode string) string {
	return fmt.Sprintf("%d-%s-%s", year, strings.TrimSpace(companyCode), strings.TrimSpace(projectCode))
}

// FormatSerial renders one credit serial, zero-padded to six digits.
func FormatSerial(prefix string, n int64) string {
	return fmt.Sprintf("%s-%06d", prefix, n)
}

// BatchCode renders the code of a batch covering r.
func BatchCode(prefix string, r domain.SerialRange) string {
	return fmt.Sprintf("%s-%06d-%06d", prefix, r.From, r.To)
}

// Serials expands a range into its individual serial codes.
func Serials(prefix string, r domain.SerialRange) []string {
	if r.To < r.From {
		return nil
	}
	out := make([]string, 0, r.Count())
	for n := r.From; n <= r.To; n++ {
		out = append(out, FormatSerial(prefix, n))
	}
	return out
}
