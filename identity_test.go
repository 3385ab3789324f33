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

import (
	"strings"
	"testing"
)

func TestReferenceIdentity_Objects(t *testing.T) {
	identity := ReferenceIdentity()

	tests := []struct {
		name     string
		objectID uint8
		expected string
	}{
		{"vendor name", ObjectVendorName, "ModbusKit"},
		{"product code", ObjectProductCode, "Petro-Rovenskyi"},
		{"revision", ObjectMajorMinorRevision, "1.0.0"},
		{"vendor URL", ObjectVendorURL, "https://petro.rovenskyi.com"},
		{"product name", ObjectProductName, "Reference Server"},
		{"model name", ObjectModelName, "PyModbus Test Server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, ok := identity.Object(tt.objectID)
			if !ok {
				t.Fatalf("Object 0x%02X missing", tt.objectID)
			}
			if value != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, value)
			}
		})
	}
}

func TestReferenceTLSIdentity_Objects(t *testing.T) {
	identity := ReferenceTLSIdentity()

	if value, _ := identity.Object(ObjectProductName); value != "TLS Reference Server" {
		t.Errorf("ProductName: expected TLS Reference Server, got %q", value)
	}
	if value, _ := identity.Object(ObjectModelName); value != "PyModbus TLS Test Server" {
		t.Errorf("ModelName: expected PyModbus TLS Test Server, got %q", value)
	}
	if value, _ := identity.Object(ObjectVendorName); value != ReferenceVendorName {
		t.Errorf("VendorName: expected %q, got %q", ReferenceVendorName, value)
	}
}

func TestEncodeReadDeviceID_BasicStream(t *testing.T) {
	identity := ReferenceIdentity()

	pdu, ec := identity.encodeReadDeviceID(DeviceIDReadBasic, ObjectVendorName)
	if ec != 0 {
		t.Fatalf("Unexpected exception 0x%02X", ec)
	}

	resp, err := ParseDeviceIDResponse(pdu)
	if err != nil {
		t.Fatalf("ParseDeviceIDResponse failed: %v", err)
	}

	if resp.ConformityLevel != 0x83 {
		t.Errorf("ConformityLevel: expected 0x83, got 0x%02X", resp.ConformityLevel)
	}
	if resp.MoreFollows {
		t.Error("Basic stream should fit in one response")
	}
	if len(resp.Objects) != 3 {
		t.Errorf("Basic stream: expected 3 objects, got %d", len(resp.Objects))
	}
	if resp.Objects[ObjectVendorName] != ReferenceVendorName {
		t.Errorf("VendorName: expected %q, got %q", ReferenceVendorName, resp.Objects[ObjectVendorName])
	}
	if _, ok := resp.Objects[ObjectVendorURL]; ok {
		t.Error("Basic stream must not include extended objects")
	}
}

func TestEncodeReadDeviceID_RegularStream(t *testing.T) {
	identity := ReferenceIdentity()

	pdu, ec := identity.encodeReadDeviceID(DeviceIDReadRegular, 0x00)
	if ec != 0 {
		t.Fatalf("Unexpected exception 0x%02X", ec)
	}

	resp, err := ParseDeviceIDResponse(pdu)
	if err != nil {
		t.Fatalf("ParseDeviceIDResponse failed: %v", err)
	}

	if len(resp.Objects) != 6 {
		t.Errorf("Regular stream: expected 6 objects, got %d", len(resp.Objects))
	}
	if resp.Objects[ObjectVendorURL] != ReferenceVendorURL {
		t.Errorf("VendorURL: expected %q, got %q", ReferenceVendorURL, resp.Objects[ObjectVendorURL])
	}
}

func TestEncodeReadDeviceID_Individual(t *testing.T) {
	identity := ReferenceIdentity()

	pdu, ec := identity.encodeReadDeviceID(DeviceIDReadIndividual, ObjectProductCode)
	if ec != 0 {
		t.Fatalf("Unexpected exception 0x%02X", ec)
	}

	resp, err := ParseDeviceIDResponse(pdu)
	if err != nil {
		t.Fatalf("ParseDeviceIDResponse failed: %v", err)
	}

	if len(resp.Objects) != 1 {
		t.Fatalf("Individual read: expected 1 object, got %d", len(resp.Objects))
	}
	if resp.Objects[ObjectProductCode] != ReferenceProductCode {
		t.Errorf("ProductCode: expected %q, got %q", ReferenceProductCode, resp.Objects[ObjectProductCode])
	}
}

func TestEncodeReadDeviceID_IndividualUnknownObject(t *testing.T) {
	identity := ReferenceIdentity()

	pdu, ec := identity.encodeReadDeviceID(DeviceIDReadIndividual, 0x7F)
	if pdu != nil {
		t.Error("Expected nil PDU for unknown object")
	}
	if ec != ExceptionIllegalDataAddress {
		t.Errorf("Expected IllegalDataAddress, got 0x%02X", ec)
	}
}

func TestEncodeReadDeviceID_BadReadCode(t *testing.T) {
	identity := ReferenceIdentity()

	pdu, ec := identity.encodeReadDeviceID(0x05, 0x00)
	if pdu != nil {
		t.Error("Expected nil PDU for bad read code")
	}
	if ec != ExceptionIllegalDataValue {
		t.Errorf("Expected IllegalDataValue, got 0x%02X", ec)
	}
}

func TestEncodeReadDeviceID_StreamRestartsAtZero(t *testing.T) {
	identity := ReferenceIdentity()

	// Unknown starting object: the stream restarts at the lowest ID.
	pdu, ec := identity.encodeReadDeviceID(DeviceIDReadBasic, 0x7F)
	if ec != 0 {
		t.Fatalf("Unexpected exception 0x%02X", ec)
	}

	resp, err := ParseDeviceIDResponse(pdu)
	if err != nil {
		t.Fatalf("ParseDeviceIDResponse failed: %v", err)
	}
	if _, ok := resp.Objects[ObjectVendorName]; !ok {
		t.Error("Restarted stream should include vendor name")
	}
}

func TestEncodeReadDeviceID_StreamStartAboveCategory(t *testing.T) {
	identity := ReferenceIdentity()

	// Object 0x04 exists but is outside the basic category; the stream
	// restarts at the lowest ID rather than answering empty.
	pdu, ec := identity.encodeReadDeviceID(DeviceIDReadBasic, ObjectProductName)
	if ec != 0 {
		t.Fatalf("Unexpected exception 0x%02X", ec)
	}

	resp, err := ParseDeviceIDResponse(pdu)
	if err != nil {
		t.Fatalf("ParseDeviceIDResponse failed: %v", err)
	}
	if len(resp.Objects) != 3 {
		t.Errorf("Expected 3 basic objects, got %d", len(resp.Objects))
	}
	if resp.Objects[ObjectVendorName] != ReferenceVendorName {
		t.Errorf("VendorName: expected %q, got %q",
			ReferenceVendorName, resp.Objects[ObjectVendorName])
	}
}

func TestEncodeReadDeviceID_Paging(t *testing.T) {
	// A single oversized object forces pagination of everything after it.
	identity := NewDeviceIdentification(map[uint8]string{
		0x00: strings.Repeat("A", 240),
		0x01: "Code",
		0x02: "1.0",
	})

	pdu, ec := identity.encodeReadDeviceID(DeviceIDReadBasic, 0x00)
	if ec != 0 {
		t.Fatalf("Unexpected exception 0x%02X", ec)
	}
	if len(pdu) > MaxPDUSize {
		t.Fatalf("Response exceeds max PDU size: %d bytes", len(pdu))
	}

	resp, err := ParseDeviceIDResponse(pdu)
	if err != nil {
		t.Fatalf("ParseDeviceIDResponse failed: %v", err)
	}
	if !resp.MoreFollows {
		t.Fatal("Expected MoreFollows for oversized identity")
	}

	// Follow the continuation pointer and collect the rest.
	pdu2, ec := identity.encodeReadDeviceID(DeviceIDReadBasic, resp.NextObjectID)
	if ec != 0 {
		t.Fatalf("Unexpected exception 0x%02X on continuation", ec)
	}
	resp2, err := ParseDeviceIDResponse(pdu2)
	if err != nil {
		t.Fatalf("ParseDeviceIDResponse failed: %v", err)
	}

	total := len(resp.Objects) + len(resp2.Objects)
	if total != 3 {
		t.Errorf("Expected 3 objects across pages, got %d", total)
	}
}
