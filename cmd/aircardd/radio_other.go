//go:build !linux

package main

import (
	"errors"

	"github.com/user/aircard/radio"
)

func hardwareRadio() (radio.Radio, error) {
	return nil, errors.New("hardware radio needs linux with BlueZ; run with -sim")
}
