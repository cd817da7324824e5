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
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// testRecordStore in-memory RecordStore for unit testing
type testRecordStore struct {
	records map[string]map[string]int64
	failure error
	queries int
}

func (s *testRecordStore) GetRecordVersion(
	ctxt context.Context, physicalTable, id string,
) (int64, error) {
	s.queries++
	if s.failure != nil {
		return 0, s.failure
	}
	table, ok := s.records[physicalTable]
	if !ok {
		return 0, ErrRecordNotFound
	}
	version, ok := table[id]
	if !ok {
		return 0, ErrRecordNotFound
	}
	return version, nil
}

func TestRecordVersionResolution(t *testing.T) {
	assert := assert.New(t)

	store := &testRecordStore{
		records: map[string]map[string]int64{
			"app_institutions": {"42": 7},
		},
	}
	uut, err := GetRecordVersionResolver(store, map[string]string{
		"institution": "app_institutions",
	})
	assert.Nil(err)

	ctxt := context.Background()

	// Case 1: registered table, existing record
	{
		version, found := uut.Resolve(ctxt, "institution", "42")
		assert.True(found)
		assert.Equal(int64(7), version)
	}

	// Case 2: registered table, missing record
	{
		_, found := uut.Resolve(ctxt, "institution", "notexist")
		assert.False(found)
	}

	// Case 3: unregistered logical table never reaches the store
	{
		before := store.queries
		_, found := uut.Resolve(ctxt, "unknown", "42")
		assert.False(found)
		assert.Equal(before, store.queries)
	}

	// Case 4: storage failures answer not-found
	{
		store.failure = fmt.Errorf("connection refused")
		_, found := uut.Resolve(ctxt, "institution", "42")
		assert.False(found)
		store.failure = nil
	}
}
