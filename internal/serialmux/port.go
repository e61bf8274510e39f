package serialmux

import (
	"io"
)

// SerialPorter is the minimal interface needed from a serial port, so the
// mux can run against test doubles without hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortFactory opens serial ports. The mesh drivers take one so tests
// can inject a TestableSerialPort.
type SerialPortFactory interface {
	// Open opens the port at path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener adapts a function to SerialPortFactory.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
