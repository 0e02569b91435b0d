package protocol

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Amount is a token quantity in base units at 18-decimal precision. It
// marshals as a decimal string because base-unit values overflow JSON numbers.
type Amount struct {
	i *big.Int
}

var tokenUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals), nil)

// MaxMinPulseAmount is the upper bound on the configurable minimum pulse
// amount: 1000 whole tokens in base units.
var MaxMinPulseAmount = NewAmount(new(big.Int).Mul(big.NewInt(1000), tokenUnit))

func NewAmount(i *big.Int) Amount {
	if i == nil {
		return Amount{}
	}
	return Amount{i: new(big.Int).Set(i)}
}

// WholeTokens converts a whole-token count into base units.
func WholeTokens(n int64) Amount {
	return Amount{i: new(big.Int).Mul(big.NewInt(n), tokenUnit)}
}

func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, errors.New("amount is empty")
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok || i.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount %q is not a non-negative integer", s)
	}
	return Amount{i: i}, nil
}

func (a Amount) BigInt() *big.Int {
	if a.i == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.i)
}

func (a Amount) String() string {
	if a.i == nil {
		return "0"
	}
	return a.i.String()
}

func (a Amount) IsZero() bool {
	return a.i == nil || a.i.Sign() == 0
}

func (a Amount) Cmp(b Amount) int {
	return a.BigInt().Cmp(b.BigInt())
}

func (a Amount) Add(b Amount) Amount {
	return Amount{i: new(big.Int).Add(a.BigInt(), b.BigInt())}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{i: new(big.Int).Sub(a.BigInt(), b.BigInt())}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(raw []byte) error {
	s := strings.Trim(string(raw), `"`)
	if s == "null" {
		*a = Amount{}
		return nil
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
