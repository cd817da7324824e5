// Copyright 2023 The recordgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"strings"
)

// subscriptionKeyPrefix leads every record subscription key
const subscriptionKeyPrefix = "record"

// SubscriptionKey is the opaque "record:{table}:{id}" address identifying what
// a connection wants notified about. Keys are values, compared and hashed by value.
type SubscriptionKey string

// ParseSubscriptionKey split a raw subscription key into its logical table name
// and record ID. Both must be non-empty.
func ParseSubscriptionKey(raw string) (string, string, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] != subscriptionKeyPrefix {
		return "", "", fmt.Errorf("subscription key '%s' is malformed", raw)
	}
	table, id := parts[1], parts[2]
	if table == "" || id == "" {
		return "", "", fmt.Errorf("subscription key '%s' is malformed", raw)
	}
	return table, id, nil
}

// FormatSubscriptionKey build the subscription key addressing a record
func FormatSubscriptionKey(table, id string) SubscriptionKey {
	return SubscriptionKey(fmt.Sprintf("%s:%s:%s", subscriptionKeyPrefix, table, id))
}

// ==============================================================================
// Wire level messages

// Client message actions
const (
	// ClientActionSubscribe request interest in one or more subscription keys
	ClientActionSubscribe = "subscribe"
	// ClientActionUnsubscribe drop interest in one or more subscription keys
	ClientActionUnsubscribe = "unsubscribe"
	// ClientActionPing keep-alive probe answered with a pong
	ClientActionPing = "ping"
)

// ClientMessage is one inbound request frame after UTF-8 normalization
type ClientMessage struct {
	// Action is one of subscribe, unsubscribe, or ping
	Action string `json:"action" validate:"required,oneof=subscribe unsubscribe ping"`
	// Keys are the subscription keys the action applies to
	Keys []string `json:"keys,omitempty"`
}

// ServerMessage is the outbound push envelope, constructed fresh per push
type ServerMessage struct {
	// Type is the message type. Version pushes use "update".
	Type string `json:"type"`
	// Key is the subscription key the push refers to
	Key SubscriptionKey `json:"key,omitempty"`
	// Version is the current record version
	Version int64 `json:"version,omitempty"`
}

// RecordChange is one record mutation signaled by the storage / business layer,
// either over the NATS change feed or the local REST injection endpoint
type RecordChange struct {
	// Table is the logical table name of the mutated record
	Table string `json:"table" validate:"required"`
	// ID is the record ID
	ID string `json:"id" validate:"required"`
	// Version is the record version after the mutation
	Version int64 `json:"version" validate:"gte=0"`
}

// String toString function for RecordChange
func (c RecordChange) String() string {
	return fmt.Sprintf("%s@%d", FormatSubscriptionKey(c.Table, c.ID), c.Version)
}
