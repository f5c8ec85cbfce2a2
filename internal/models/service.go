package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ServiceDetails is an immutable snapshot of a catalog service taken when a payment starts.
// All fields are values so a copy never shares state with the catalog entry.
type ServiceDetails struct {
	ID            int    `json:"id"`
	Categoria     string `json:"categoria"`
	Proveedor     string `json:"proveedor"`
	Servicio      string `json:"servicio"`
	Plan          string `json:"plan"`
	PrecioMensual Price  `json:"precio_mensual"`
	Detalles      string `json:"detalles"`
	Estado        string `json:"estado"`
}

// Price is a monthly price. It decodes from either a JSON number or a formatted
// string such as "$35.000".
type Price float64

func (p Price) Float64() float64 {
	return float64(p)
}

func (p *Price) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Price(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("price must be a number or string: %w", err)
	}
	parsed, err := ParsePrice(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePrice strips currency symbols and thousands separators and parses what is left.
// An empty or fully non-numeric string is zero.
func ParsePrice(s string) (Price, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, nil
	}

	// "35.000" style thousands grouping: more than one dot, or a dot followed by exactly three digits.
	if strings.Count(cleaned, ".") > 1 || isThousandsGrouped(cleaned) {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return Price(v), nil
}

func isThousandsGrouped(s string) bool {
	i := strings.LastIndex(s, ".")
	return i > 0 && len(s)-i-1 == 3
}
