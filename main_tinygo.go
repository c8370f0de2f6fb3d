//go:build tinygo

package main

import (
	"rtguard/app"
	"rtguard/hal"
)

func main() {
	app.Run(hal.New(), app.DefaultConfig())
}
