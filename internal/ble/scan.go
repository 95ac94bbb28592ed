package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ScanForDevices scans for nodes advertising the mesh service for up to
// timeout and returns each device once, strongest signal first.
func ScanForDevices(adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var mu sync.Mutex
	byAddr := make(map[string]Device)
	err := adapter.Scan(ctx, ServiceUUID, func(d Device) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := byAddr[d.Address]; ok && d.Name == "" {
			d.Name = prev.Name
		}
		byAddr[d.Address] = d
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Device, 0, len(byAddr))
	for _, d := range byAddr {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}
