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
	"sync"
	"testing"
)

func TestReferenceStore_Seeding(t *testing.T) {
	store := NewReferenceStore(ReferenceSpaceSize)

	regs, err := store.ReadHoldingRegisters(0, 5)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	for i, want := range []uint16{0, 1, 2, 3, 4} {
		if regs[i] != want {
			t.Errorf("HoldingRegister[%d]: expected %d, got %d", i, want, regs[i])
		}
	}

	inputs, err := store.ReadInputRegisters(0, 5)
	if err != nil {
		t.Fatalf("ReadInputRegisters failed: %v", err)
	}
	for i, want := range []uint16{0, 10, 20, 30, 40} {
		if inputs[i] != want {
			t.Errorf("InputRegister[%d]: expected %d, got %d", i, want, inputs[i])
		}
	}

	coils, err := store.ReadCoils(0, 4)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	for i, want := range []bool{true, false, true, false} {
		if coils[i] != want {
			t.Errorf("Coil[%d]: expected %v, got %v", i, want, coils[i])
		}
	}

	// Discrete inputs flip from true to false at address 100
	discretes, err := store.ReadDiscreteInputs(99, 2)
	if err != nil {
		t.Fatalf("ReadDiscreteInputs failed: %v", err)
	}
	if !discretes[0] {
		t.Error("DiscreteInput[99] should be true")
	}
	if discretes[1] {
		t.Error("DiscreteInput[100] should be false")
	}
}

func TestDataStore_ReadAfterWrite(t *testing.T) {
	store := NewDataStore(ReferenceSpaceSize)

	if err := store.WriteSingleCoil(10, true); err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}
	coils, err := store.ReadCoils(10, 1)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if !coils[0] {
		t.Error("Coil should be true")
	}

	if err := store.WriteSingleRegister(100, 12345); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	regs, err := store.ReadHoldingRegisters(100, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if regs[0] != 12345 {
		t.Errorf("Register: expected 12345, got %d", regs[0])
	}

	coilValues := []bool{true, false, true, true, false}
	if err := store.WriteMultipleCoils(20, coilValues); err != nil {
		t.Fatalf("WriteMultipleCoils failed: %v", err)
	}
	readBack, err := store.ReadCoils(20, 5)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	for i, v := range coilValues {
		if readBack[i] != v {
			t.Errorf("Coil[%d]: expected %v, got %v", i, v, readBack[i])
		}
	}

	regValues := []uint16{1111, 2222, 3333}
	if err := store.WriteMultipleRegisters(200, regValues); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}
	regsBack, err := store.ReadHoldingRegisters(200, 3)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	for i, v := range regValues {
		if regsBack[i] != v {
			t.Errorf("Register[%d]: expected %d, got %d", i, v, regsBack[i])
		}
	}
}

func TestDataStore_OutOfBounds(t *testing.T) {
	store := NewDataStore(ReferenceSpaceSize)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"read coils", func() error { _, err := store.ReadCoils(999, 2); return err }},
		{"read discrete inputs", func() error { _, err := store.ReadDiscreteInputs(1000, 1); return err }},
		{"read holding registers", func() error { _, err := store.ReadHoldingRegisters(990, 11); return err }},
		{"read input registers", func() error { _, err := store.ReadInputRegisters(1000, 1); return err }},
		{"write single coil", func() error { return store.WriteSingleCoil(1000, true) }},
		{"write single register", func() error { return store.WriteSingleRegister(1000, 1) }},
		{"write multiple coils", func() error { return store.WriteMultipleCoils(998, []bool{true, true, true}) }},
		{"write multiple registers", func() error { return store.WriteMultipleRegisters(999, []uint16{1, 2}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsIllegalDataAddress(err) {
				t.Errorf("expected illegal data address, got %v", err)
			}
		})
	}
}

func TestDataStore_DirectSetters(t *testing.T) {
	store := NewDataStore(ReferenceSpaceSize)

	// Discrete inputs and input registers have no write function code;
	// the setters are the only way to change them.
	store.SetDiscreteInput(500, true)
	discretes, err := store.ReadDiscreteInputs(500, 1)
	if err != nil {
		t.Fatalf("ReadDiscreteInputs failed: %v", err)
	}
	if !discretes[0] {
		t.Error("DiscreteInput[500] should be true")
	}

	store.SetInputRegister(500, 0xBEEF)
	inputs, err := store.ReadInputRegisters(500, 1)
	if err != nil {
		t.Fatalf("ReadInputRegisters failed: %v", err)
	}
	if inputs[0] != 0xBEEF {
		t.Errorf("InputRegister[500]: expected 0xBEEF, got 0x%04X", inputs[0])
	}

	// Out-of-range addresses are ignored rather than panicking.
	store.SetDiscreteInput(ReferenceSpaceSize, true)
	store.SetInputRegister(ReferenceSpaceSize, 1)
}

func TestDataStore_BoundaryRead(t *testing.T) {
	store := NewReferenceStore(ReferenceSpaceSize)

	// Read right up to the last address.
	regs, err := store.ReadHoldingRegisters(995, 5)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if regs[4] != 999 {
		t.Errorf("HoldingRegister[999]: expected 999, got %d", regs[4])
	}
}

func TestDataStore_ConcurrentDisjointSpaces(t *testing.T) {
	store := NewDataStore(ReferenceSpaceSize)

	var wg sync.WaitGroup
	const iterations = 500

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			store.WriteSingleCoil(uint16(i%100), i%2 == 0)
			store.ReadCoils(0, 100)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			store.WriteSingleRegister(uint16(i%100), uint16(i))
			store.ReadHoldingRegisters(0, 100)
		}
	}()
	wg.Wait()

	// Register writes must not have corrupted an untouched space.
	inputs, err := store.ReadInputRegisters(0, 100)
	if err != nil {
		t.Fatalf("ReadInputRegisters failed: %v", err)
	}
	for i, v := range inputs {
		if v != 0 {
			t.Errorf("InputRegister[%d]: expected 0, got %d", i, v)
		}
	}
}

func TestDataStore_AtomicMultiWrite(t *testing.T) {
	store := NewDataStore(ReferenceSpaceSize)

	a := []uint16{1, 1, 1, 1}
	b := []uint16{2, 2, 2, 2}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			store.WriteMultipleRegisters(0, a)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			store.WriteMultipleRegisters(0, b)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	// Readers must only ever observe one write fully applied.
	for {
		select {
		case <-done:
			return
		default:
		}
		regs, err := store.ReadHoldingRegisters(0, 4)
		if err != nil {
			t.Fatalf("ReadHoldingRegisters failed: %v", err)
		}
		first := regs[0]
		for i, v := range regs {
			if v != first {
				t.Fatalf("torn write observed: regs[0]=%d regs[%d]=%d", first, i, v)
			}
		}
	}
}
