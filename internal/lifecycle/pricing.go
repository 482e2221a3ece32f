package lifecycle

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jogardn/fooddash/pkg/models"
	"github.com/shopspring/decimal"
)

// CustomizationChoice selects one option of a named menu customization.
type CustomizationChoice struct {
	Name   string `json:"name"`
	Option string `json:"option"`
}

// EffectiveUnitPrice is the lower of list and discount price plus the deltas of
// the matched customization options. Choices naming an unknown customization
// or option are ignored.
func EffectiveUnitPrice(item *models.MenuItem, choices []CustomizationChoice) (decimal.Decimal, []models.SelectedCustomization) {
	price := item.Price
	if item.DiscountPrice != nil && item.DiscountPrice.LessThan(price) {
		price = *item.DiscountPrice
	}

	var selected []models.SelectedCustomization
	for _, choice := range choices {
		option, ok := findOption(item.Customizations, choice)
		if !ok {
			continue
		}
		price = price.Add(option.Price)
		selected = append(selected, models.SelectedCustomization{
			Name:   choice.Name,
			Option: option.Name,
			Price:  option.Price,
		})
	}
	return price, selected
}

func findOption(customizations []models.Customization, choice CustomizationChoice) (models.CustomOption, bool) {
	for _, c := range customizations {
		if c.Name != choice.Name {
			continue
		}
		for _, o := range c.Options {
			if o.Name == choice.Option {
				return o, true
			}
		}
	}
	return models.CustomOption{}, false
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewOrderNumber builds "FD" + base36 milliseconds + four random base36
// characters, upper-cased. Uniqueness is enforced by the store.
func NewOrderNumber(now time.Time) string {
	var suffix [4]byte
	for i := range suffix {
		suffix[i] = base36[rand.Intn(len(base36))]
	}
	return "FD" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)+string(suffix[:]))
}
