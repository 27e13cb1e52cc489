package ble

import "errors"

// Errors returned by Client.Connect, per spec.md §4.2.
var (
	// ErrTransportUnavailable is returned when the local BLE radio cannot
	// be enabled.
	ErrTransportUnavailable = errors.New("ble: transport unavailable")

	// ErrDeviceNotFound is returned after a bounded scan fails to find the
	// configured device.
	ErrDeviceNotFound = errors.New("ble: device not found")

	// ErrCharacteristicMissing is returned when the documented notify
	// characteristic UUID is absent on the discovered service.
	ErrCharacteristicMissing = errors.New("ble: characteristic missing")

	// ErrNotConnected is returned by operations that require an active
	// connection.
	ErrNotConnected = errors.New("ble: not connected")
)
