// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usbmux

import "fmt"

// Device identifies one attached device as reported by the daemon. ID
// is only meaningful to the daemon instance that issued it and may be
// reassigned after a re-attach.
type Device struct {
	ID             int    `json:"id"`
	SerialNumber   string `json:"serial_number"`
	ConnectionType string `json:"connection_type"`
	ProductID      int    `json:"product_id"`
	LocationID     int    `json:"location_id"`
}

func (d Device) String() string {
	if d.SerialNumber == "" {
		return fmt.Sprintf("device %d", d.ID)
	}
	return fmt.Sprintf("device %d (%s, %s)", d.ID, d.SerialNumber, d.ConnectionType)
}
