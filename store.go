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

import "sync"

// ReferenceSpaceSize is the number of addresses per space in the reference
// configuration.
const ReferenceSpaceSize = 1000

// DataStore is an in-memory implementation of RegisterStore holding the four
// Modbus address spaces for a single logical device. It is safe for
// concurrent use; a single lock covers the whole store, so every PDU-level
// read or write is atomic.
type DataStore struct {
	mu             sync.RWMutex
	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16
}

// NewDataStore creates a DataStore with zero-valued spaces of the given size.
func NewDataStore(size int) *DataStore {
	return &DataStore{
		coils:          make([]bool, size),
		discreteInputs: make([]bool, size),
		holdingRegs:    make([]uint16, size),
		inputRegs:      make([]uint16, size),
	}
}

// NewReferenceStore creates a DataStore pre-seeded with the reference
// validation patterns:
//
//	Coils:             alternating true/false (even addresses true)
//	Discrete Inputs:   first 100 true, rest false
//	Holding Registers: sequential 0, 1, 2, ...
//	Input Registers:   address * 10
//
// Clients under test rely on these patterns bit-for-bit.
func NewReferenceStore(size int) *DataStore {
	return &DataStore{
		coils:          ReferenceCoils(size),
		discreteInputs: ReferenceDiscreteInputs(size),
		holdingRegs:    ReferenceHoldingRegisters(size),
		inputRegs:      ReferenceInputRegisters(size),
	}
}

// ReferenceCoils returns the reference coil pattern for a space of size n.
func ReferenceCoils(n int) []bool {
	values := make([]bool, n)
	for i := range values {
		values[i] = i%2 == 0
	}
	return values
}

// ReferenceDiscreteInputs returns the reference discrete input pattern for a
// space of size n.
func ReferenceDiscreteInputs(n int) []bool {
	values := make([]bool, n)
	for i := range values {
		values[i] = i < 100
	}
	return values
}

// ReferenceHoldingRegisters returns the reference holding register pattern
// for a space of size n.
func ReferenceHoldingRegisters(n int) []uint16 {
	values := make([]uint16, n)
	for i := range values {
		values[i] = uint16(i)
	}
	return values
}

// ReferenceInputRegisters returns the reference input register pattern for a
// space of size n.
func ReferenceInputRegisters(n int) []uint16 {
	values := make([]uint16, n)
	for i := range values {
		values[i] = uint16(i * 10)
	}
	return values
}

func (s *DataStore) ReadCoils(addr, qty uint16) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(addr)+int(qty) > len(s.coils) {
		return nil, NewModbusError(FuncReadCoils, ExceptionIllegalDataAddress)
	}

	result := make([]bool, qty)
	copy(result, s.coils[addr:int(addr)+int(qty)])
	return result, nil
}

func (s *DataStore) ReadDiscreteInputs(addr, qty uint16) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(addr)+int(qty) > len(s.discreteInputs) {
		return nil, NewModbusError(FuncReadDiscreteInputs, ExceptionIllegalDataAddress)
	}

	result := make([]bool, qty)
	copy(result, s.discreteInputs[addr:int(addr)+int(qty)])
	return result, nil
}

func (s *DataStore) WriteSingleCoil(addr uint16, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(addr) >= len(s.coils) {
		return NewModbusError(FuncWriteSingleCoil, ExceptionIllegalDataAddress)
	}

	s.coils[addr] = value
	return nil
}

func (s *DataStore) WriteMultipleCoils(addr uint16, values []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(addr)+len(values) > len(s.coils) {
		return NewModbusError(FuncWriteMultipleCoils, ExceptionIllegalDataAddress)
	}

	copy(s.coils[addr:], values)
	return nil
}

func (s *DataStore) ReadHoldingRegisters(addr, qty uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(addr)+int(qty) > len(s.holdingRegs) {
		return nil, NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)
	}

	result := make([]uint16, qty)
	copy(result, s.holdingRegs[addr:int(addr)+int(qty)])
	return result, nil
}

func (s *DataStore) ReadInputRegisters(addr, qty uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(addr)+int(qty) > len(s.inputRegs) {
		return nil, NewModbusError(FuncReadInputRegisters, ExceptionIllegalDataAddress)
	}

	result := make([]uint16, qty)
	copy(result, s.inputRegs[addr:int(addr)+int(qty)])
	return result, nil
}

func (s *DataStore) WriteSingleRegister(addr, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(addr) >= len(s.holdingRegs) {
		return NewModbusError(FuncWriteSingleRegister, ExceptionIllegalDataAddress)
	}

	s.holdingRegs[addr] = value
	return nil
}

func (s *DataStore) WriteMultipleRegisters(addr uint16, values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(addr)+len(values) > len(s.holdingRegs) {
		return NewModbusError(FuncWriteMultipleRegisters, ExceptionIllegalDataAddress)
	}

	copy(s.holdingRegs[addr:], values)
	return nil
}

// SetDiscreteInput sets a discrete input value directly, bypassing the
// function-code path. Intended for test setup.
func (s *DataStore) SetDiscreteInput(addr uint16, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) < len(s.discreteInputs) {
		s.discreteInputs[addr] = value
	}
}

// SetInputRegister sets an input register value directly, bypassing the
// function-code path. Intended for test setup.
func (s *DataStore) SetInputRegister(addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr) < len(s.inputRegs) {
		s.inputRegs[addr] = value
	}
}

// Size returns the number of addresses in each space.
func (s *DataStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.coils)
}
