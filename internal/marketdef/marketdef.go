// Package marketdef handles market definition parsing and validation, and
// derives the outcome list a market is created with.
package marketdef

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/model"
)

// MaxOutcomes bounds the size of a multi market.
const MaxOutcomes = 32

// slugRegex matches lowercase words joined by single dashes.
// Example: fed-rate-cut-2026-03
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// textPolicy strips every tag from user-supplied question and label text.
var textPolicy = bluemonday.StrictPolicy()

// cleanText removes markup and surrounding whitespace. Sanitize escapes
// entities, so they are unescaped again to keep "&" and quotes readable.
func cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(s)))
}

// Every definition error wraps amm.ErrInvalidConfiguration.
var (
	ErrInvalidSlug      = fmt.Errorf("%w: slug", amm.ErrInvalidConfiguration)
	ErrInvalidQuestion  = fmt.Errorf("%w: question", amm.ErrInvalidConfiguration)
	ErrInvalidType      = fmt.Errorf("%w: market type", amm.ErrInvalidConfiguration)
	ErrInvalidOutcomes  = fmt.Errorf("%w: outcomes", amm.ErrInvalidConfiguration)
	ErrInvalidLiquidity = fmt.Errorf("%w: liquidity", amm.ErrInvalidConfiguration)
	ErrInvalidPrice     = fmt.Errorf("%w: initial price", amm.ErrInvalidConfiguration)
)

// Definition describes a market to be created.
type Definition struct {
	Slug     string           `json:"slug" validate:"required"`
	Question string           `json:"question" validate:"required"`
	Type     model.MarketType `json:"market_type" validate:"required"`
	// Outcomes are the option labels of a multi market, in option-index
	// order. Binary markets always have YES and NO and leave this empty.
	Outcomes  []string        `json:"outcomes,omitempty"`
	Liquidity decimal.Decimal `json:"liquidity"`
	// YesPrice optionally skews a binary market's starting price.
	YesPrice *decimal.Decimal `json:"yes_price,omitempty"`
}

// Parse normalizes and validates a definition. The returned copy has
// markup-free trimmed text and a lowercase type.
func Parse(def Definition) (*Definition, error) {
	out := def
	out.Slug = strings.TrimSpace(def.Slug)
	out.Question = cleanText(def.Question)
	out.Type = model.MarketType(strings.ToLower(strings.TrimSpace(string(def.Type))))
	out.Outcomes = make([]string, len(def.Outcomes))
	for i, o := range def.Outcomes {
		out.Outcomes[i] = cleanText(o)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks a definition without normalizing it.
func (d *Definition) Validate() error {
	if len(d.Slug) < 3 || len(d.Slug) > 80 || !slugRegex.MatchString(d.Slug) {
		return fmt.Errorf("%w: %q (expected lowercase words joined by dashes)", ErrInvalidSlug, d.Slug)
	}
	if d.Question == "" {
		return ErrInvalidQuestion
	}
	if !d.Liquidity.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidLiquidity, d.Liquidity)
	}

	switch d.Type {
	case model.TypeBinary:
		if len(d.Outcomes) > 0 {
			return fmt.Errorf("%w: binary markets are always YES/NO", ErrInvalidOutcomes)
		}
		if d.YesPrice != nil {
			one := decimal.NewFromInt(1)
			if !d.YesPrice.IsPositive() || d.YesPrice.GreaterThanOrEqual(one) {
				return fmt.Errorf("%w: %s outside (0,1)", ErrInvalidPrice, d.YesPrice)
			}
		}
	case model.TypeMulti:
		if d.YesPrice != nil {
			return fmt.Errorf("%w: only binary markets take a starting price", ErrInvalidPrice)
		}
		return validateOutcomes(d.Outcomes)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, d.Type)
	}
	return nil
}

func validateOutcomes(outcomes []string) error {
	if len(outcomes) < 2 || len(outcomes) > MaxOutcomes {
		return fmt.Errorf("%w: need 2..%d, got %d", ErrInvalidOutcomes, MaxOutcomes, len(outcomes))
	}
	seen := make(map[string]bool, len(outcomes))
	for i, o := range outcomes {
		if o == "" {
			return fmt.Errorf("%w: outcome %d has no label", ErrInvalidOutcomes, i)
		}
		key := strings.ToLower(o)
		if seen[key] {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidOutcomes, o)
		}
		seen[key] = true
	}
	return nil
}

// Labels returns the outcome labels the market trades: YES and NO for
// binary markets, the definition's outcomes otherwise.
func (d *Definition) Labels() []string {
	if d.Type == model.TypeBinary {
		return []string{"YES", "NO"}
	}
	return append([]string(nil), d.Outcomes...)
}

// IsDefinitionError reports whether err came from definition validation.
func IsDefinitionError(err error) bool {
	return errors.Is(err, amm.ErrInvalidConfiguration)
}
