// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usbmux

import (
	"encoding/binary"
	"fmt"
	"io"

	"howett.net/plist"
)

const (
	// headerSize is the fixed frame header: length, version, message
	// type and tag, each a little-endian uint32.
	headerSize = 16

	// protocolVersion 1 selects property-list payloads.
	protocolVersion = 1

	// messagePlist is the message type for property-list frames.
	messagePlist = 8

	// maxPayloadSize bounds a single frame. Device lists are a few KB
	// even with dozens of devices attached.
	maxPayloadSize = 1 << 20

	// libUSBMuxVersion is sent as kLibUSBMuxVersion in every request.
	libUSBMuxVersion = 3

	clientVersion = "tcprelay"
)

// Message types carried in the MessageType key.
const (
	messageListDevices = "ListDevices"
	messageListen      = "Listen"
	messageConnect     = "Connect"
	messageResult      = "Result"
	messageAttached    = "Attached"
	messageDetached    = "Detached"
)

// header is the frame header preceding every payload.
type header struct {
	Length  uint32
	Version uint32
	Message uint32
	Tag     uint32
}

// request is the dictionary sent to the daemon. Fields irrelevant to a
// given MessageType are omitted.
type request struct {
	MessageType         string `plist:"MessageType"`
	ClientVersionString string `plist:"ClientVersionString"`
	ProgName            string `plist:"ProgName"`
	LibUSBMuxVersion    int    `plist:"kLibUSBMuxVersion"`
	DeviceID            int    `plist:"DeviceID,omitempty"`
	PortNumber          int    `plist:"PortNumber,omitempty"`
}

// response is the union of every dictionary the daemon sends back:
// Result replies, device lists, and Listen events.
type response struct {
	MessageType string            `plist:"MessageType"`
	Number      int               `plist:"Number"`
	DeviceID    int               `plist:"DeviceID"`
	Properties  deviceProperties  `plist:"Properties"`
	DeviceList  []deviceListEntry `plist:"DeviceList"`
}

type deviceListEntry struct {
	DeviceID    int              `plist:"DeviceID"`
	MessageType string           `plist:"MessageType"`
	Properties  deviceProperties `plist:"Properties"`
}

type deviceProperties struct {
	ConnectionType string `plist:"ConnectionType"`
	DeviceID       int    `plist:"DeviceID"`
	LocationID     int    `plist:"LocationID"`
	ProductID      int    `plist:"ProductID"`
	SerialNumber   string `plist:"SerialNumber"`
}

func (p deviceProperties) device(id int) Device {
	if p.DeviceID != 0 {
		id = p.DeviceID
	}
	return Device{
		ID:             id,
		SerialNumber:   p.SerialNumber,
		ConnectionType: p.ConnectionType,
		ProductID:      p.ProductID,
		LocationID:     p.LocationID,
	}
}

// networkPort converts a port to the byte-swapped form the daemon
// expects in PortNumber (the port in network byte order, read as a
// little-endian integer).
func networkPort(port uint16) int {
	return int(port>>8 | port<<8)
}

// writeFrame encodes payload as an XML plist and writes one frame.
func writeFrame(w io.Writer, tag uint32, payload any) error {
	body, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("encoding plist: %w", err)
	}
	frame := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(frame)))
	binary.LittleEndian.PutUint32(frame[4:8], protocolVersion)
	binary.LittleEndian.PutUint32(frame[8:12], messagePlist)
	binary.LittleEndian.PutUint32(frame[12:16], tag)
	copy(frame[headerSize:], body)
	_, err = w.Write(frame)
	return err
}

// readFrame reads one frame and decodes its plist payload into target.
func readFrame(r io.Reader, target any) (header, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return header{}, err
	}
	frameHeader := header{
		Length:  binary.LittleEndian.Uint32(raw[0:4]),
		Version: binary.LittleEndian.Uint32(raw[4:8]),
		Message: binary.LittleEndian.Uint32(raw[8:12]),
		Tag:     binary.LittleEndian.Uint32(raw[12:16]),
	}
	if frameHeader.Length < headerSize || frameHeader.Length-headerSize > maxPayloadSize {
		return frameHeader, fmt.Errorf("invalid frame length %d", frameHeader.Length)
	}
	if frameHeader.Version != protocolVersion || frameHeader.Message != messagePlist {
		return frameHeader, fmt.Errorf("unsupported frame version %d message %d", frameHeader.Version, frameHeader.Message)
	}
	body := make([]byte, frameHeader.Length-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return frameHeader, fmt.Errorf("reading payload: %w", err)
	}
	if _, err := plist.Unmarshal(body, target); err != nil {
		return frameHeader, fmt.Errorf("decoding plist: %w", err)
	}
	return frameHeader, nil
}
