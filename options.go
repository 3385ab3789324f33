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
	"log/slog"
	"time"
)

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	maxConns    int
	readTimeout time.Duration
	unitIDs     map[UnitID]struct{}
	identity    *DeviceIdentification
}

// The reference server answers unit 1, the broadcast address 0, and 247.
// Anything else gets a gateway path unavailable exception. Idle connections
// are held open until the peer closes them; a validating client may pause
// arbitrarily long between requests.
func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		maxConns:    100,
		readTimeout: 0,
		unitIDs: map[UnitID]struct{}{
			0:   {},
			1:   {},
			247: {},
		},
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets an idle timeout for client connections. Zero, the
// default, keeps idle connections open until the peer closes them.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithUnitIDs replaces the allow-list of unit identifiers the server answers.
func WithUnitIDs(ids ...UnitID) ServerOption {
	return func(o *serverOptions) {
		o.unitIDs = make(map[UnitID]struct{}, len(ids))
		for _, id := range ids {
			o.unitIDs[id] = struct{}{}
		}
	}
}

// WithIdentity sets the device identification served via FC 0x2B / MEI 0x0E.
// Without it, Read Device Identification answers illegal function.
func WithIdentity(identity *DeviceIdentification) ServerOption {
	return func(o *serverOptions) {
		o.identity = identity
	}
}
