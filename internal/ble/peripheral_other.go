//go:build !linux

package ble

// Serve reports ErrPeripheralUnsupported; the tinygo stack only offers a
// GATT server on Linux.
func (a *TinyGoAdapter) Serve(cfg ServiceConfig) (Peripheral, error) {
	return nil, ErrPeripheralUnsupported
}
