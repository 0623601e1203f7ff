package tokens

import (
	"fmt"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/shopspring/decimal"
)

// Rate is a price per Unit tokens.
type Rate struct {
	Price float64 `json:"price" yaml:"price"`
	Unit  int     `json:"unit" yaml:"unit"`
}

// ModelPrice holds the prompt and completion rates of one model. ContextWindow, when set, declares
// the window of a model the built-in table does not know.
type ModelPrice struct {
	Prompt        Rate `json:"prompt" yaml:"prompt"`
	Completion    Rate `json:"completion" yaml:"completion"`
	ContextWindow int  `json:"contextWindow,omitempty" yaml:"contextWindow,omitempty"`
}

// Pricing maps model identifiers to their rates. A model without an entry is not usable.
type Pricing map[models.ModelID]ModelPrice

// DefaultPricing returns the built-in rate table.
func DefaultPricing() Pricing {
	gpt35 := ModelPrice{Prompt: Rate{Price: 1, Unit: 1000}, Completion: Rate{Price: 1, Unit: 1000}}
	gpt4 := ModelPrice{Prompt: Rate{Price: 16, Unit: 1000}, Completion: Rate{Price: 16, Unit: 1000}}

	p := Pricing{}
	for model := range contextWindows {
		if framingFor(model) == newlineFraming {
			p[model] = gpt35
			continue
		}
		p[model] = gpt4
	}
	return p
}

// Merge returns a copy of p with the entries of overrides applied on top.
func (p Pricing) Merge(overrides Pricing) Pricing {
	merged := make(Pricing, len(p)+len(overrides))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Lookup returns the rates of the model.
func (p Pricing) Lookup(model models.ModelID) (ModelPrice, error) {
	price, ok := p[model]
	if !ok {
		return ModelPrice{}, fmt.Errorf("%w: %s", models.ErrUnknownModel, model)
	}
	return price, nil
}

// Cost returns the price of spending the given prompt and completion tokens on the model.
func (p Pricing) Cost(model models.ModelID, promptTokens, completionTokens int) (decimal.Decimal, error) {
	price, err := p.Lookup(model)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Prompt.cost(promptTokens).Add(price.Completion.cost(completionTokens)), nil
}

func (r Rate) cost(tokens int) decimal.Decimal {
	if r.Unit <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(r.Price).
		Mul(decimal.NewFromInt(int64(tokens))).
		Div(decimal.NewFromInt(int64(r.Unit)))
}
