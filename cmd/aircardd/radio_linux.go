//go:build linux

package main

import (
	"github.com/user/aircard/bleradio"
	"github.com/user/aircard/radio"
)

func hardwareRadio() (radio.Radio, error) {
	return bleradio.New()
}
