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
	"sync"
	"time"

	"github.com/alwitt/recordgate/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeTimeout max duration for transmitting one outbound frame
const writeTimeout = time.Second * 10

// Connection is the registry facing surface of one live authenticated socket
type Connection interface {
	// ID returns the unique connection handle
	ID() string
	// UserID returns the authenticated identity behind the connection
	UserID() string
	// Push enqueue one outbound frame for best-effort delivery. Returns false
	// if the frame was dropped.
	Push(msg []byte) bool
	// Close end the connection with a close code and a short reason
	Close(code int, reason string)
}

// wsConnection implements Connection over a gorilla websocket
type wsConnection struct {
	common.Component
	id        string
	userID    string
	createdAt time.Time
	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// getWebsocketConnection wrap a just-authenticated websocket as a Connection
func getWebsocketConnection(userID string, ws *websocket.Conn, sendQueueLen int) *wsConnection {
	connID := uuid.NewString()
	logTags := log.Fields{
		"module":     "gateway",
		"component":  "connection",
		"connection": connID,
		"user":       userID,
	}
	return &wsConnection{
		Component: common.Component{LogTags: logTags},
		id:        connID,
		userID:    userID,
		createdAt: time.Now(),
		ws:        ws,
		send:      make(chan []byte, sendQueueLen),
		closed:    make(chan struct{}),
	}
}

// ID returns the unique connection handle
func (c *wsConnection) ID() string {
	return c.id
}

// UserID returns the authenticated identity behind the connection
func (c *wsConnection) UserID() string {
	return c.userID
}

// Push enqueue one outbound frame. Delivery is best-effort; a closed peer or a
// full send queue drops the frame without affecting other connections.
func (c *wsConnection) Push(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	case c.send <- msg:
		return true
	default:
		log.WithFields(c.LogTags).Warn("Send queue full. Dropping outbound frame")
		return false
	}
}

// Close end the connection with a close code and a short reason. Safe to call
// multiple times; only the first call takes effect.
func (c *wsConnection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		if err := c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			deadline,
		); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Close frame write failed")
		}
		close(c.closed)
		if err := c.ws.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Socket close failed")
		}
	})
}

// startWriter start the outbound frame writer loop
func (c *wsConnection) startWriter(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(c.LogTags).Debug("Writer loop exiting")
		for {
			select {
			case <-c.closed:
				return
			case msg, ok := <-c.send:
				if !ok {
					return
				}
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					// Reader will observe the same failure and trigger cleanup
					log.WithError(err).WithFields(c.LogTags).Debug("Frame write failed")
					return
				}
			}
		}
	}()
}
