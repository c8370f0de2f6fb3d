//go:build tinygo && baremetal

package hal

import (
	"machine"
)

type tinyGoHAL struct {
	logger  *uartLogger
	led     *pinLED
	serial  *uartSerial
	fb      Framebuffer
	t       *tinyGoTime
	counter *tinyGoCounter
}

// New returns a board HAL implementation.
//
// UART: UART0 on the board default pins, 115200 8N1.
func New() HAL {
	uart := machine.UART0
	uart.Configure(machine.UARTConfig{BaudRate: 115200})

	ledPin := machine.LED
	ledPin.Configure(machine.PinConfig{Mode: machine.PinOutput})

	return &tinyGoHAL{
		logger:  &uartLogger{uart: uart},
		led:     &pinLED{pin: ledPin},
		serial:  &uartSerial{uart: uart},
		fb:      &stubFramebuffer{w: 320, h: 320, format: PixelFormatRGB565},
		t:       newTinyGoTime(),
		counter: newTinyGoCounter(),
	}
}

func (h *tinyGoHAL) Logger() Logger   { return h.logger }
func (h *tinyGoHAL) LED() LED         { return h.led }
func (h *tinyGoHAL) Serial() Serial   { return h.serial }
func (h *tinyGoHAL) Display() Display { return tinyGoDisplay{fb: h.fb} }
func (h *tinyGoHAL) Time() Time       { return h.t }
func (h *tinyGoHAL) Counter() Counter { return h.counter }
