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
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/recordgate/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// GatewayStats is the observability read-out of the gateway
type GatewayStats struct {
	// ActiveConnections is the number of live authenticated connections
	ActiveConnections int `json:"active_connections"`
	// PluginRegistered indicates whether the gateway is attached to an HTTP server
	PluginRegistered bool `json:"plugin_registered"`
	// SubscribedKeys is the number of subscription keys with at least one subscriber
	SubscribedKeys int `json:"subscribed_keys"`
}

// SubscriptionRegistry tracks which subscription keys each connection cares
// about and fans record changes out to the interested connections. All state
// mutation is serialized through one owning task processor goroutine.
type SubscriptionRegistry interface {
	// RegisterConnection add a just-authenticated connection to the registry
	RegisterConnection(ctxt context.Context, conn Connection) error
	// HandleClientFrame route one inbound frame from a connection
	HandleClientFrame(ctxt context.Context, connID string, frame []byte) error
	// ConnectionClosed purge a connection's state after its socket closed or
	// errored. closeErr is nil for a normal close.
	ConnectionClosed(ctxt context.Context, connID string, closeErr error) error
	// RecordChanged fan a record mutation out to every subscribed connection
	RecordChanged(ctxt context.Context, change RecordChange) error
	// MarkRegistered record that the gateway is attached to an HTTP server
	MarkRegistered(ctxt context.Context) error
	// Stats read the current gateway stats
	Stats(ctxt context.Context) (GatewayStats, error)
	// StartEventLoop start the registry task processing loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the registry task processing loop
	StopEventLoop() error
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	tp               common.TaskProcessor
	resolver         RecordVersionResolver
	validate         *validator.Validate
	operationCtxt    context.Context
	wg               *sync.WaitGroup
	connections      map[string]Connection
	subscribers      map[SubscriptionKey]map[string]Connection
	keysByConn       map[string]map[SubscriptionKey]bool
	pluginRegistered bool
}

// GetSubscriptionRegistry define a new SubscriptionRegistry
func GetSubscriptionRegistry(
	ctxt context.Context,
	resolver RecordVersionResolver,
	taskBuffer int,
	wg *sync.WaitGroup,
) (SubscriptionRegistry, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "subscription-registry",
	}
	tp, err := common.GetNewTaskProcessorInstance("subscription-registry", taskBuffer, ctxt)
	if err != nil {
		return nil, err
	}
	instance := subscriptionRegistryImpl{
		Component:     common.Component{LogTags: logTags},
		tp:            tp,
		resolver:      resolver,
		validate:      validator.New(),
		operationCtxt: ctxt,
		wg:            wg,
		connections:   make(map[string]Connection),
		subscribers:   make(map[SubscriptionKey]map[string]Connection),
		keysByConn:    make(map[string]map[SubscriptionKey]bool),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRegisterConnReq{}), instance.processRegisterConnRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryClientFrameReq{}), instance.processClientFrameRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryConnClosedReq{}), instance.processConnClosedRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRecordChangedReq{}), instance.processRecordChangedRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryMarkRegisteredReq{}), instance.processMarkRegisteredRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryStatsReq{}), instance.processStatsRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// StartEventLoop start the registry task processing loop
func (r *subscriptionRegistryImpl) StartEventLoop(wg *sync.WaitGroup) error {
	return r.tp.StartEventLoop(wg)
}

// StopEventLoop stop the registry task processing loop
func (r *subscriptionRegistryImpl) StopEventLoop() error {
	return r.tp.StopEventLoop()
}

// ----------------------------------------------------------------------------------------

type registryRegisterConnReq struct {
	conn     Connection
	resultCB func(error)
}

// RegisterConnection add a just-authenticated connection to the registry
func (r *subscriptionRegistryImpl) RegisterConnection(
	ctxt context.Context, conn Connection,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryRegisterConnReq{conn: conn, resultCB: handler}

	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit register-connection request",
		)
		return err
	}

	<-complete

	return processError
}

func (r *subscriptionRegistryImpl) processRegisterConnRequest(param interface{}) error {
	request, ok := param.(registryRegisterConnReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for register connection", reflect.TypeOf(param),
		)
	}
	err := r.handleRegisterConn(request.conn)
	request.resultCB(err)
	return err
}

func (r *subscriptionRegistryImpl) handleRegisterConn(conn Connection) error {
	if _, ok := r.connections[conn.ID()]; ok {
		return fmt.Errorf("connection %s already registered", conn.ID())
	}
	r.connections[conn.ID()] = conn
	r.keysByConn[conn.ID()] = make(map[SubscriptionKey]bool)
	log.WithFields(r.LogTags).Debugf(
		"User %s connected. Active connections %d", conn.UserID(), len(r.connections),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryClientFrameReq struct {
	connID   string
	frame    []byte
	resultCB func(error)
}

// HandleClientFrame route one inbound frame from a connection
func (r *subscriptionRegistryImpl) HandleClientFrame(
	ctxt context.Context, connID string, frame []byte,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryClientFrameReq{connID: connID, frame: frame, resultCB: handler}

	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit client-frame request",
		)
		return err
	}

	<-complete

	return processError
}

func (r *subscriptionRegistryImpl) processClientFrameRequest(param interface{}) error {
	request, ok := param.(registryClientFrameReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for client frame", reflect.TypeOf(param),
		)
	}
	err := r.handleClientFrame(request.connID, request.frame)
	request.resultCB(err)
	return err
}

func (r *subscriptionRegistryImpl) handleClientFrame(connID string, frame []byte) error {
	conn, ok := r.connections[connID]
	if !ok {
		// Connection already terminated. Late frames are dropped.
		return nil
	}
	// Frames may arrive as text or binary; both are interpreted as UTF-8 JSON
	var request ClientMessage
	if err := json.Unmarshal(frame, &request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Connection %s sent an unparsable frame", connID,
		)
		return nil
	}
	if err := r.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Connection %s sent an invalid request", connID,
		)
		return nil
	}
	switch request.Action {
	case ClientActionSubscribe:
		for _, rawKey := range request.Keys {
			r.handleSubscribe(conn, rawKey)
		}
	case ClientActionUnsubscribe:
		for _, rawKey := range request.Keys {
			r.handleUnsubscribe(conn, rawKey)
		}
	case ClientActionPing:
		if msg, err := json.Marshal(&ServerMessage{Type: "pong"}); err == nil {
			_ = conn.Push(msg)
		}
	}
	return nil
}

// handleSubscribe add one subscription key for a connection. Subscribing to an
// already-held key is a no-op. A successful new subscription triggers a
// one-shot current-version push to just this connection.
func (r *subscriptionRegistryImpl) handleSubscribe(conn Connection, rawKey string) {
	table, id, err := ParseSubscriptionKey(rawKey)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Ignoring subscription from %s", conn.ID(),
		)
		return
	}
	key := FormatSubscriptionKey(table, id)
	if r.keysByConn[conn.ID()][key] {
		return
	}
	r.keysByConn[conn.ID()][key] = true
	if _, ok := r.subscribers[key]; !ok {
		r.subscribers[key] = make(map[string]Connection)
	}
	r.subscribers[key][conn.ID()] = conn
	log.WithFields(r.LogTags).Debugf("Connection %s subscribed to %s", conn.ID(), key)

	// Fetch the current version off the registry loop so one storage query
	// never stalls other connections
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		version, found := r.resolver.Resolve(r.operationCtxt, table, id)
		if !found {
			return
		}
		msg, err := json.Marshal(&ServerMessage{Type: "update", Key: key, Version: version})
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to serialize initial push for %s", key,
			)
			return
		}
		_ = conn.Push(msg)
	}()
}

// handleUnsubscribe drop one subscription key for a connection
func (r *subscriptionRegistryImpl) handleUnsubscribe(conn Connection, rawKey string) {
	table, id, err := ParseSubscriptionKey(rawKey)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Ignoring unsubscription from %s", conn.ID(),
		)
		return
	}
	key := FormatSubscriptionKey(table, id)
	delete(r.keysByConn[conn.ID()], key)
	if subs, ok := r.subscribers[key]; ok {
		delete(subs, conn.ID())
		if len(subs) == 0 {
			delete(r.subscribers, key)
		}
	}
	log.WithFields(r.LogTags).Debugf("Connection %s unsubscribed from %s", conn.ID(), key)
}

// ----------------------------------------------------------------------------------------

type registryConnClosedReq struct {
	connID   string
	closeErr error
	resultCB func(error)
}

// ConnectionClosed purge a connection's state after its socket closed or errored
func (r *subscriptionRegistryImpl) ConnectionClosed(
	ctxt context.Context, connID string, closeErr error,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryConnClosedReq{connID: connID, closeErr: closeErr, resultCB: handler}

	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit connection-closed request",
		)
		return err
	}

	<-complete

	return processError
}

func (r *subscriptionRegistryImpl) processConnClosedRequest(param interface{}) error {
	request, ok := param.(registryConnClosedReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for connection closed", reflect.TypeOf(param),
		)
	}
	err := r.handleConnClosed(request.connID, request.closeErr)
	request.resultCB(err)
	return err
}

func (r *subscriptionRegistryImpl) handleConnClosed(connID string, closeErr error) error {
	conn, ok := r.connections[connID]
	if !ok {
		return fmt.Errorf("connection %s is not registered", connID)
	}
	for key := range r.keysByConn[connID] {
		if subs, ok := r.subscribers[key]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.subscribers, key)
			}
		}
	}
	delete(r.keysByConn, connID)
	delete(r.connections, connID)
	if closeErr != nil {
		log.WithError(closeErr).WithFields(r.LogTags).Errorf(
			"User %s connection failed. Active connections %d",
			conn.UserID(), len(r.connections),
		)
	} else {
		log.WithFields(r.LogTags).Debugf(
			"User %s disconnected. Active connections %d", conn.UserID(), len(r.connections),
		)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type registryRecordChangedReq struct {
	change   RecordChange
	resultCB func(error)
}

// RecordChanged fan a record mutation out to every subscribed connection
func (r *subscriptionRegistryImpl) RecordChanged(
	ctxt context.Context, change RecordChange,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryRecordChangedReq{change: change, resultCB: handler}

	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit record-changed request",
		)
		return err
	}

	<-complete

	return processError
}

func (r *subscriptionRegistryImpl) processRecordChangedRequest(param interface{}) error {
	request, ok := param.(registryRecordChangedReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for record changed", reflect.TypeOf(param),
		)
	}
	err := r.handleRecordChanged(request.change)
	request.resultCB(err)
	return err
}

func (r *subscriptionRegistryImpl) handleRecordChanged(change RecordChange) error {
	key := FormatSubscriptionKey(change.Table, change.ID)
	subs, ok := r.subscribers[key]
	if !ok || len(subs) == 0 {
		return nil
	}
	msg, err := json.Marshal(
		&ServerMessage{Type: "update", Key: key, Version: change.Version},
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to serialize update push for %s", key,
		)
		return err
	}
	delivered := 0
	for _, conn := range subs {
		if conn.Push(msg) {
			delivered++
		}
	}
	log.WithFields(r.LogTags).Debugf(
		"Pushed %s to %d of %d subscribers", change, delivered, len(subs),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryMarkRegisteredReq struct {
	resultCB func(error)
}

// MarkRegistered record that the gateway is attached to an HTTP server
func (r *subscriptionRegistryImpl) MarkRegistered(ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryMarkRegisteredReq{resultCB: handler}

	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit mark-registered request",
		)
		return err
	}

	<-complete

	return processError
}

func (r *subscriptionRegistryImpl) processMarkRegisteredRequest(param interface{}) error {
	request, ok := param.(registryMarkRegisteredReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for mark registered", reflect.TypeOf(param),
		)
	}
	r.pluginRegistered = true
	request.resultCB(nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryStatsReq struct {
	resultCB func(GatewayStats, error)
}

// Stats read the current gateway stats
func (r *subscriptionRegistryImpl) Stats(ctxt context.Context) (GatewayStats, error) {
	complete := make(chan bool, 1)
	var stats GatewayStats
	var processError error
	handler := func(result GatewayStats, err error) {
		stats = result
		processError = err
		complete <- true
	}

	request := registryStatsReq{resultCB: handler}

	if err := r.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit stats request",
		)
		return GatewayStats{}, err
	}

	<-complete

	return stats, processError
}

func (r *subscriptionRegistryImpl) processStatsRequest(param interface{}) error {
	request, ok := param.(registryStatsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for stats", reflect.TypeOf(param),
		)
	}
	request.resultCB(GatewayStats{
		ActiveConnections: len(r.connections),
		PluginRegistered:  r.pluginRegistered,
		SubscribedKeys:    len(r.subscribers),
	}, nil)
	return nil
}
