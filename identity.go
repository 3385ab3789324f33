// Copyright 2025 ModbusKit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import "sort"

// Reference device identification values. Clients under test match these
// byte-for-byte.
const (
	ReferenceVendorName  = "ModbusKit"
	ReferenceProductCode = "Petro-Rovenskyi"
	ReferenceVendorURL   = "https://petro.rovenskyi.com"
	ReferenceRevision    = "1.0.0"
)

// conformityLevel reported in every Read Device Identification response:
// extended identification, stream and individual access.
const conformityLevel uint8 = 0x83

// DeviceIdentification is an ordered, read-only mapping from device
// identification object IDs to UTF-8 strings, served via FC 0x2B / MEI 0x0E.
type DeviceIdentification struct {
	objects map[uint8]string
	ids     []uint8 // sorted object IDs
}

// NewDeviceIdentification creates a DeviceIdentification from the given
// objects. The map is copied; the result is immutable.
func NewDeviceIdentification(objects map[uint8]string) *DeviceIdentification {
	d := &DeviceIdentification{
		objects: make(map[uint8]string, len(objects)),
		ids:     make([]uint8, 0, len(objects)),
	}
	for id, value := range objects {
		d.objects[id] = value
		d.ids = append(d.ids, id)
	}
	sort.Slice(d.ids, func(i, j int) bool { return d.ids[i] < d.ids[j] })
	return d
}

// ReferenceIdentity returns the device identification served by the
// plaintext reference server.
func ReferenceIdentity() *DeviceIdentification {
	return NewDeviceIdentification(map[uint8]string{
		ObjectVendorName:         ReferenceVendorName,
		ObjectProductCode:        ReferenceProductCode,
		ObjectMajorMinorRevision: ReferenceRevision,
		ObjectVendorURL:          ReferenceVendorURL,
		ObjectProductName:        "Reference Server",
		ObjectModelName:          "PyModbus Test Server",
	})
}

// ReferenceTLSIdentity returns the device identification served by the
// Modbus/TCP Security reference server.
func ReferenceTLSIdentity() *DeviceIdentification {
	return NewDeviceIdentification(map[uint8]string{
		ObjectVendorName:         ReferenceVendorName,
		ObjectProductCode:        ReferenceProductCode,
		ObjectMajorMinorRevision: ReferenceRevision,
		ObjectVendorURL:          ReferenceVendorURL,
		ObjectProductName:        "TLS Reference Server",
		ObjectModelName:          "PyModbus TLS Test Server",
	})
}

// Object returns the value of a single identification object.
func (d *DeviceIdentification) Object(id uint8) (string, bool) {
	value, ok := d.objects[id]
	return value, ok
}

// categoryBound returns the highest object ID included in a stream read for
// the given read code.
func categoryBound(readCode uint8) uint8 {
	if readCode == DeviceIDReadBasic {
		return ObjectMajorMinorRevision
	}
	return ObjectModelName
}

// streamObjects returns the ordered object IDs served by a stream read
// starting at objectID. A starting object that is unknown or outside the
// requested category restarts the stream at the lowest ID, per the Modbus
// application protocol.
func (d *DeviceIdentification) streamObjects(readCode, objectID uint8) []uint8 {
	bound := categoryBound(readCode)
	if _, ok := d.objects[objectID]; !ok || objectID > bound {
		objectID = 0
	}

	var ids []uint8
	for _, id := range d.ids {
		if id >= objectID && id <= bound {
			ids = append(ids, id)
		}
	}
	return ids
}

// encodeReadDeviceID builds the response PDU for a Read Device
// Identification request. A nil PDU with a non-zero exception code signals
// an exception response.
func (d *DeviceIdentification) encodeReadDeviceID(readCode, objectID uint8) ([]byte, ExceptionCode) {
	var ids []uint8
	switch readCode {
	case DeviceIDReadBasic, DeviceIDReadRegular, DeviceIDReadExtended:
		ids = d.streamObjects(readCode, objectID)
	case DeviceIDReadIndividual:
		if _, ok := d.objects[objectID]; !ok {
			return nil, ExceptionIllegalDataAddress
		}
		ids = []uint8{objectID}
	default:
		return nil, ExceptionIllegalDataValue
	}

	resp := []byte{
		byte(FuncEncapsulatedInterface),
		MEIReadDeviceID,
		readCode,
		conformityLevel,
		0x00, // more follows
		0x00, // next object ID
		0x00, // number of objects
	}

	count := 0
	for i, id := range ids {
		value := d.objects[id]
		if len(resp)+2+len(value) > MaxPDUSize {
			// Response full: tell the client where to resume.
			resp[4] = 0xFF
			resp[5] = ids[i]
			break
		}
		resp = append(resp, id, byte(len(value)))
		resp = append(resp, value...)
		count++
	}
	resp[6] = byte(count)
	return resp, 0
}
