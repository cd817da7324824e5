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
	"database/sql"
	"errors"

	"github.com/alwitt/recordgate/common"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// ErrRecordNotFound returned by a RecordStore when no row matches the record ID
var ErrRecordNotFound = errors.New("record not found")

// RecordStore is the narrow query surface of the storage collaborator: fetch
// the current version of one record in one physical table
type RecordStore interface {
	// GetRecordVersion fetch the version column of the record, limited to one row
	GetRecordVersion(ctxt context.Context, physicalTable, id string) (int64, error)
}

// gormRecordStore implements RecordStore against a MySQL backend
type gormRecordStore struct {
	common.Component
	db *gorm.DB
}

// GetGormRecordStore define a RecordStore backed by a gorm DB handle
func GetGormRecordStore(db *gorm.DB) (RecordStore, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "record-store",
	}
	return &gormRecordStore{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// GetRecordVersion fetch the version column of the record, limited to one row
func (s *gormRecordStore) GetRecordVersion(
	ctxt context.Context, physicalTable, id string,
) (int64, error) {
	var version int64
	row := s.db.WithContext(ctxt).
		Table(physicalTable).
		Select("version").
		Where("id = ?", id).
		Limit(1).
		Row()
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrRecordNotFound
		}
		return 0, err
	}
	return version, nil
}

// ==============================================================================

// RecordVersionResolver resolves a logical table name to its physical store and
// fetches the current version of a record
type RecordVersionResolver interface {
	// Resolve fetch the current version of a record. An unregistered logical
	// table, a missing row, or a storage failure all answer "not found";
	// failures never propagate past this boundary.
	Resolve(ctxt context.Context, logicalTable, id string) (int64, bool)
}

// recordVersionResolverImpl implements RecordVersionResolver
type recordVersionResolverImpl struct {
	common.Component
	store    RecordStore
	tableMap map[string]string
}

// GetRecordVersionResolver define a RecordVersionResolver over a RecordStore.
// tableMap maps logical table names to their physical tables.
func GetRecordVersionResolver(
	store RecordStore, tableMap map[string]string,
) (RecordVersionResolver, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "version-resolver",
	}
	return &recordVersionResolverImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		tableMap:  tableMap,
	}, nil
}

// Resolve fetch the current version of a record
func (r *recordVersionResolverImpl) Resolve(
	ctxt context.Context, logicalTable, id string,
) (int64, bool) {
	physicalTable, ok := r.tableMap[logicalTable]
	if !ok {
		// The gateway does not know every table it can be asked about
		log.WithFields(r.LogTags).Debugf("No physical table registered for '%s'", logicalTable)
		return 0, false
	}
	version, err := r.store.GetRecordVersion(ctxt, physicalTable, id)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Version lookup failed for %s", FormatSubscriptionKey(logicalTable, id),
			)
		}
		return 0, false
	}
	return version, true
}
