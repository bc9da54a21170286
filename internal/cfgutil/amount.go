// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"strconv"
	"strings"

	"github.com/gcash/bchutil"
)

// AmountFlag embeds a bchutil.Amount and implements the flags.Marshaler and
// Unmarshaler interfaces so it can be used as a config struct field.
type AmountFlag struct {
	bchutil.Amount
}

// NewAmountFlag creates an AmountFlag with a default bchutil.Amount.
func NewAmountFlag(defaultValue bchutil.Amount) *AmountFlag {
	return &AmountFlag{defaultValue}
}

// MarshalFlag satisifes the flags.Marshaler interface.
func (a *AmountFlag) MarshalFlag() (string, error) {
	return a.Amount.String(), nil
}

// UnmarshalFlag satisifes the flags.Unmarshaler interface. Plain integers
// are read as satoshis; values with a decimal point or a " BCH" suffix are
// read as whole coins.
func (a *AmountFlag) UnmarshalFlag(value string) error {
	trimmed := strings.TrimSuffix(value, " BCH")
	if trimmed == value && !strings.Contains(value, ".") {
		sats, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		a.Amount = bchutil.Amount(sats)
		return nil
	}
	valueF64, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return err
	}
	amount, err := bchutil.NewAmount(valueF64)
	if err != nil {
		return err
	}
	a.Amount = amount
	return nil
}
