//go:build linux

package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// Serve registers the mesh GATT service and starts advertising it.
func (a *TinyGoAdapter) Serve(cfg ServiceConfig) (Peripheral, error) {
	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	msgUUID, err := bluetooth.ParseUUID(MessageCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse message UUID: %w", err)
	}
	idUUID, err := bluetooth.ParseUUID(IdentityCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse identity UUID: %w", err)
	}

	a.mu.Lock()
	a.onCentral = cfg.OnCentral
	a.mu.Unlock()

	p := &tinyGoPeripheral{}
	err = a.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &p.char,
				UUID:   msgUUID,
				Flags: bluetooth.CharacteristicReadPermission |
					bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission |
					bluetooth.CharacteristicNotifyPermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					if cfg.OnWrite == nil {
						return
					}
					cp := make([]byte, len(value))
					copy(cp, value)
					cfg.OnWrite(a.centralKey(client), cp)
				},
			},
			{
				UUID:  idUUID,
				Value: cfg.Identity,
				Flags: bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ble: add service: %w", err)
	}

	p.adv = a.adapter.DefaultAdvertisement()
	if err := p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    cfg.LocalName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	}); err != nil {
		return nil, fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := p.adv.Start(); err != nil {
		return nil, fmt.Errorf("ble: start advertising: %w", err)
	}
	return p, nil
}

type tinyGoPeripheral struct {
	adv  *bluetooth.Advertisement
	char bluetooth.Characteristic
}

// Notify writes the local characteristic value, which the stack pushes to
// every subscribed central.
func (p *tinyGoPeripheral) Notify(data []byte) error {
	_, err := p.char.Write(data)
	return err
}

func (p *tinyGoPeripheral) Stop() error {
	return p.adv.Stop()
}
