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

// Package modbus implements the ModbusKit reference validation server:
// PDU codec, MBAP framing, an in-memory register store with reproducible
// seed data, and a TCP/TLS connection acceptor.
package modbus

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes served by the reference server.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
	FuncEncapsulatedInterface  FunctionCode = 0x2B
)

// MEI transport type for FC 0x2B (Encapsulated Interface Transport).
const (
	// MEIReadDeviceID selects the Read Device Identification sub-protocol.
	MEIReadDeviceID uint8 = 0x0E
)

// Read Device ID codes (FC 0x2B / MEI 0x0E request byte 3).
const (
	DeviceIDReadBasic      uint8 = 0x01
	DeviceIDReadRegular    uint8 = 0x02
	DeviceIDReadExtended   uint8 = 0x03
	DeviceIDReadIndividual uint8 = 0x04
)

// Device identification object IDs per the Modbus Application Protocol
// specification, table 5-2.
const (
	ObjectVendorName         uint8 = 0x00
	ObjectProductCode        uint8 = 0x01
	ObjectMajorMinorRevision uint8 = 0x02
	ObjectVendorURL          uint8 = 0x03
	ObjectProductName        uint8 = 0x04
	ObjectModelName          uint8 = 0x05
)

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read/written.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxPDUSize is the maximum PDU size in bytes.
	MaxPDUSize = 253

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTLSPort is the standard Modbus/TCP Security port.
	DefaultTLSPort = 802
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// RegisterStore is the server's view of the four Modbus address spaces.
// Implementations must serialize reads and writes so that a multi-value
// write is never observed partially applied.
type RegisterStore interface {
	// Coil operations
	ReadCoils(addr, qty uint16) ([]bool, error)
	ReadDiscreteInputs(addr, qty uint16) ([]bool, error)
	WriteSingleCoil(addr uint16, value bool) error
	WriteMultipleCoils(addr uint16, values []bool) error

	// Register operations
	ReadHoldingRegisters(addr, qty uint16) ([]uint16, error)
	ReadInputRegisters(addr, qty uint16) ([]uint16, error)
	WriteSingleRegister(addr, value uint16) error
	WriteMultipleRegisters(addr uint16, values []uint16) error
}

// String returns a human-readable name for the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncEncapsulatedInterface:
		return "ReadDeviceIdentification"
	default:
		return "Unknown"
	}
}
