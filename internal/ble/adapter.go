// Package ble implements the radio connection manager: a dual-role
// (central and peripheral) Bluetooth Low Energy link layer that discovers
// mesh peers, exchanges identity and carries framed application messages.
package ble

import (
	"context"
	"errors"
)

// Mesh service and characteristic UUIDs, shared by every instance.
const (
	ServiceUUID      = "a8f3c2d0-6b1e-4f7a-9c21-5e4d3b2a1f00"
	MessageCharUUID  = "a8f3c2d0-6b1e-4f7a-9c21-5e4d3b2a1f01"
	IdentityCharUUID = "a8f3c2d0-6b1e-4f7a-9c21-5e4d3b2a1f02"
)

// MaxMessageSize is the largest application payload carried over the radio
// link in a single TextMessage packet.
const MaxMessageSize = 500

// ErrPeripheralUnsupported is returned by Adapter.Serve on platforms without
// a GATT server. The manager then runs in the central role only.
var ErrPeripheralUnsupported = errors.New("ble: peripheral role not supported on this platform")

// Characteristic represents a remote GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic without response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Read returns the current value.
	Read() ([]byte, error)
}

// Device represents a discovered peripheral advertising the mesh service.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an outbound (central-role) link.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// ServiceConfig describes the local GATT service exposed in the
// peripheral role.
type ServiceConfig struct {
	LocalName string
	Identity  []byte // value of the read-only identity characteristic

	// OnWrite is called for every write a remote central makes to the
	// message characteristic. central identifies the remote link.
	OnWrite func(central string, data []byte)
	// OnCentral reports centrals connecting and disconnecting, where the
	// radio stack provides that information.
	OnCentral func(central string, connected bool)
}

// Peripheral is the running advertiser and local service.
type Peripheral interface {
	// Notify pushes data to every subscribed central.
	Notify(data []byte) error
	// Stop stops advertising.
	Stop() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports peripherals advertising serviceUUID until ctx is done.
	// found may be called more than once for the same device.
	Scan(ctx context.Context, serviceUUID string, found func(Device)) error
	// Connect establishes a central-role connection to address.
	Connect(ctx context.Context, address string) (Connection, error)
	// Serve registers the mesh service and starts advertising it.
	Serve(cfg ServiceConfig) (Peripheral, error)
}
