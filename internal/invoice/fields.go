package invoice

import (
	"regexp"
	"strings"

	"github.com/garyjia/kra-fiscalizer/internal/money"
	"github.com/shopspring/decimal"
)

type field int

const (
	fieldQuantity field = iota
	fieldUnitPrice
	fieldDiscount
	fieldUnitPriceAfterDiscount
	fieldAmount
)

// columnRoles maps the length of a trailing numeric run to the role of each number.
// Rows always end with the amount; quantity leads whenever there are two or more values.
var columnRoles = map[int][]field{
	1: {fieldAmount},
	2: {fieldQuantity, fieldAmount},
	3: {fieldQuantity, fieldUnitPrice, fieldAmount},
	4: {fieldQuantity, fieldUnitPrice, fieldUnitPriceAfterDiscount, fieldAmount},
	5: {fieldQuantity, fieldUnitPrice, fieldDiscount, fieldUnitPriceAfterDiscount, fieldAmount},
}

// Around a "%" discount token, the numbers before it are quantity and unit price
// and the numbers after it are net unit price and amount.
var (
	rolesBeforePercent = [][]field{nil, {fieldUnitPrice}, {fieldQuantity, fieldUnitPrice}}
	rolesAfterPercent  = [][]field{nil, {fieldAmount}, {fieldUnitPriceAfterDiscount, fieldAmount}}
)

var numberTokenRe = regexp.MustCompile(`^-?(\d{1,3}(,\d{3})+|\d+)(\.\d+)?%?$`)

type rowValues map[field]decimal.Decimal

// splitRow separates the descriptive text of a row from its trailing run of numbers
func splitRow(s string) (string, rowValues) {
	tokens := strings.Fields(s)
	start := len(tokens)
	for start > 0 && numberTokenRe.MatchString(tokens[start-1]) {
		start--
	}
	text := tokens[:start:start]
	run := tokens[start:]
	values := make(rowValues)

	percent := -1
	for i, tok := range run {
		if strings.HasSuffix(tok, "%") {
			percent = i
		}
	}

	if percent < 0 {
		n, values := assignTrailing(run)
		text = append(text, run[:len(run)-n]...)
		return strings.Join(text, " "), values
	}

	before, after := run[:percent], run[percent+1:]
	if len(before) > 2 {
		text = append(text, before[:len(before)-2]...)
		before = before[len(before)-2:]
	}
	if len(after) > 2 {
		after = after[len(after)-2:]
	}
	assign(values, before, rolesBeforePercent[len(before)])
	assign(values, after, rolesAfterPercent[len(after)])
	assign(values, []string{strings.TrimSuffix(run[percent], "%")}, []field{fieldDiscount})

	return strings.Join(text, " "), values
}

// assignTrailing decides how many numbers at the end of run are columns; the rest
// belong to the description ("Glyphosate 480"). Runs of three or more are tried from
// the shortest, and the first whose quantity x net price reproduces the printed amount
// wins. Without such a run, the longest one with a discount between 0 and 100 is used.
func assignTrailing(run []string) (int, rowValues) {
	longest := len(run)
	if n := len(columnRoles); longest > n {
		longest = n
	}
	if longest < 3 {
		values := make(rowValues)
		assign(values, run[len(run)-longest:], columnRoles[longest])
		return longest, values
	}

	fallback, fallbackLen := rowValues(nil), 0
	for n := 3; n <= longest; n++ {
		values := make(rowValues)
		assign(values, run[len(run)-n:], columnRoles[n])
		if !plausibleDiscount(values) {
			continue
		}
		if balances(values) {
			return n, values
		}
		fallback, fallbackLen = values, n
	}
	if fallback == nil {
		fallback = make(rowValues)
		fallbackLen = longest
		assign(fallback, run[len(run)-longest:], columnRoles[longest])
	}
	return fallbackLen, fallback
}

var hundred = decimal.NewFromInt(100)

func plausibleDiscount(values rowValues) bool {
	if d, ok := values[fieldDiscount]; ok && (d.IsNegative() || d.GreaterThan(hundred)) {
		return false
	}
	price, hasPrice := values[fieldUnitPrice]
	net, hasNet := values[fieldUnitPriceAfterDiscount]
	if hasPrice && hasNet && (net.IsNegative() || net.GreaterThan(price)) {
		return false
	}
	return true
}

var amountTolerance = decimal.New(1, -2)

// balances reports whether round(quantity x net price, 2) is within 0.01 of the amount
func balances(values rowValues) bool {
	qty, okQty := values[fieldQuantity]
	amount, okAmount := values[fieldAmount]
	net, okNet := values[fieldUnitPriceAfterDiscount]
	if !okNet {
		net, okNet = values[fieldUnitPrice]
		if d, ok := values[fieldDiscount]; ok && okNet {
			net = money.ApplyDiscount(net, d)
		}
	}
	if !okQty || !okAmount || !okNet {
		return false
	}
	return money.Mul(qty, net).Sub(amount).Abs().LessThanOrEqual(amountTolerance)
}

func assign(values rowValues, tokens []string, roles []field) {
	for i, role := range roles {
		if v, err := money.Parse(tokens[i]); err == nil {
			values[role] = v
		}
	}
}

type source string

const (
	sourceLine     source = "line"
	sourceNextLine source = "next_line"
	sourceDerived  source = "derived"
	sourceDefault  source = "default"
)

// attempt is one step of a field's ordered fallback list
type attempt struct {
	source source
	value  func() (decimal.Decimal, bool)
}

type resolved struct {
	value  decimal.Decimal
	source source
}

func (r resolved) found() bool {
	return r.source != sourceDefault
}

// firstOf runs the attempts in order and returns the first that yields a value
func firstOf(attempts ...attempt) resolved {
	for _, a := range attempts {
		if v, ok := a.value(); ok {
			return resolved{value: v, source: a.source}
		}
	}
	return resolved{value: money.Zero, source: sourceDefault}
}

func fromRow(values rowValues, f field) func() (decimal.Decimal, bool) {
	return func() (decimal.Decimal, bool) {
		v, ok := values[f]
		return v, ok
	}
}

func constant(v decimal.Decimal) func() (decimal.Decimal, bool) {
	return func() (decimal.Decimal, bool) {
		return v, true
	}
}

var one = decimal.NewFromInt(1)

// rowFields is the set of resolved numeric fields for one line item
type rowFields struct {
	quantity, unitPrice, discount, unitPriceAfterDiscount, amount resolved
}

// resolveFields fills every numeric field from the current row, then the next row,
// then arithmetic over siblings, then fixed defaults.
// An amount printed in the text always beats the computed quantity x net price.
func resolveFields(cur, next rowValues) rowFields {
	var r rowFields

	r.quantity = firstOf(
		attempt{sourceLine, fromRow(cur, fieldQuantity)},
		attempt{sourceNextLine, fromRow(next, fieldQuantity)},
		attempt{sourceDefault, constant(one)},
	)
	r.unitPrice = firstOf(
		attempt{sourceLine, fromRow(cur, fieldUnitPrice)},
		attempt{sourceNextLine, fromRow(next, fieldUnitPrice)},
	)
	r.discount = firstOf(
		attempt{sourceLine, fromRow(cur, fieldDiscount)},
		attempt{sourceNextLine, fromRow(next, fieldDiscount)},
	)

	printedAmount := firstOf(
		attempt{sourceLine, fromRow(cur, fieldAmount)},
		attempt{sourceNextLine, fromRow(next, fieldAmount)},
	)

	r.unitPriceAfterDiscount = firstOf(
		attempt{sourceLine, fromRow(cur, fieldUnitPriceAfterDiscount)},
		attempt{sourceNextLine, fromRow(next, fieldUnitPriceAfterDiscount)},
		attempt{sourceDerived, func() (decimal.Decimal, bool) {
			if !r.unitPrice.found() {
				return money.Zero, false
			}
			return money.ApplyDiscount(r.unitPrice.value, r.discount.value), true
		}},
		attempt{sourceDerived, func() (decimal.Decimal, bool) {
			if !printedAmount.found() || r.quantity.value.IsZero() {
				return money.Zero, false
			}
			return money.Div(printedAmount.value, r.quantity.value), true
		}},
	)

	r.amount = firstOf(
		attempt{printedAmount.source, func() (decimal.Decimal, bool) {
			return printedAmount.value, printedAmount.found()
		}},
		attempt{sourceDerived, func() (decimal.Decimal, bool) {
			if !r.unitPriceAfterDiscount.found() {
				return money.Zero, false
			}
			return money.Mul(r.quantity.value, r.unitPriceAfterDiscount.value), true
		}},
	)

	return r
}
