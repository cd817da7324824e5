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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/recordgate/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// UpgradeGatekeeperParams parameters for defining an UpgradeGatekeeper
type UpgradeGatekeeperParams struct {
	// WebsocketPath is the one upgrade path served by the gateway
	WebsocketPath string `validate:"required,startswith=/"`
	// CSRFCookieName is the cookie holding the CSRF crumb
	CSRFCookieName string `validate:"required"`
	// CSRFEncrypted selects the production crumb format
	CSRFEncrypted bool
	// CredentialCookieName is the fallback cookie holding the session access token
	CredentialCookieName string `validate:"required"`
	// ReservedSubprotocols are subprotocol names never treated as a session credential
	ReservedSubprotocols []string
	// VerifyCSRF validates the CSRF token of an upgrade request
	VerifyCSRF CSRFVerifier `validate:"required"`
	// VerifyCredential validates the session credential of a connection
	VerifyCredential CredentialVerifier `validate:"required"`
	// SendQueueLen is the per-connection outbound message buffer length
	SendQueueLen int `validate:"required,gte=1"`
}

// UpgradeGatekeeper intercepts HTTP upgrade requests ahead of the normal
// request routing, performs the CSRF / credential handshake, and hands
// authenticated connections to the subscription registry
type UpgradeGatekeeper interface {
	// Middleware wrap an HTTP handler. Upgrade requests are intercepted;
	// everything else passes through to next.
	Middleware(next http.Handler) http.Handler
}

// upgradeGatekeeperImpl implements UpgradeGatekeeper
type upgradeGatekeeperImpl struct {
	common.Component
	params        UpgradeGatekeeperParams
	reserved      map[string]bool
	upgrader      websocket.Upgrader
	registry      SubscriptionRegistry
	operationCtxt context.Context
	wg            *sync.WaitGroup
}

// GetUpgradeGatekeeper define a new UpgradeGatekeeper
func GetUpgradeGatekeeper(
	ctxt context.Context,
	params UpgradeGatekeeperParams,
	registry SubscriptionRegistry,
	wg *sync.WaitGroup,
) (UpgradeGatekeeper, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "upgrade-gatekeeper", "path": params.WebsocketPath,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gatekeeper params")
		return nil, err
	}
	reserved := make(map[string]bool)
	for _, name := range params.ReservedSubprotocols {
		reserved[name] = true
	}
	return &upgradeGatekeeperImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		reserved:  reserved,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    params.ReservedSubprotocols,
			// The CSRF handshake takes the place of origin filtering
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry:      registry,
		operationCtxt: ctxt,
		wg:            wg,
	}, nil
}

// Middleware wrap an HTTP handler with upgrade interception
func (g *upgradeGatekeeperImpl) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path != g.params.WebsocketPath {
			// Not our endpoint. The socket is destroyed without a response.
			log.WithFields(g.LogTags).Debugf(
				"Destroying stray upgrade request for '%s'", r.URL.Path,
			)
			g.destroySocket(w)
			return
		}
		g.handleUpgrade(w, r)
	})
}

// destroySocket take over the underlying TCP socket and close it with no response
func (g *upgradeGatekeeperImpl) destroySocket(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.WithFields(g.LogTags).Error("Response writer does not support hijacking")
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Socket hijack failed")
		return
	}
	_ = conn.Close()
}

// rejectUpgrade write a raw HTTP 403 response into the still-unupgraded stream
// and destroy the socket. No websocket handshake occurs for rejected requests.
func (g *upgradeGatekeeperImpl) rejectUpgrade(w http.ResponseWriter, message string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		// No raw socket access. Fall back to a normal 403 response.
		http.Error(w, message, http.StatusForbidden)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Socket hijack failed")
		return
	}
	response := fmt.Sprintf(
		"HTTP/1.1 403 Forbidden\r\n"+
			"Content-Type: text/plain\r\n"+
			"Content-Length: %d\r\n"+
			"Connection: close\r\n"+
			"\r\n%s",
		len(message),
		message,
	)
	if _, err := conn.Write([]byte(response)); err != nil {
		log.WithError(err).WithFields(g.LogTags).Debug("Rejection response write failed")
	}
	_ = conn.Close()
}

// handleUpgrade validate the CSRF token of an upgrade request, then perform
// the protocol-level upgrade and authenticate the resulting connection
func (g *upgradeGatekeeperImpl) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	requestCtxt := context.WithValue(
		r.Context(), common.RequestParam{}, common.RequestParam{
			ID: uuid.NewString(), Method: r.Method, URI: r.URL.String(),
		},
	)
	localLogTags, _ := common.UpdateLogTags(requestCtxt, g.LogTags)

	csrfToken := ExtractCSRFToken(r)
	cookies := ParseCookieHeader(r.Header.Get("Cookie"))
	if err := g.params.VerifyCSRF(
		cookies[g.params.CSRFCookieName], csrfToken, g.params.CSRFEncrypted, true,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Rejecting upgrade request")
		g.rejectUpgrade(w, "CSRF verification failed")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Websocket handshake failed")
		return
	}
	g.authenticate(ws, r.WithContext(requestCtxt))
}

// authenticate establish the identity behind a just-upgraded connection, or
// close it. Every connection sees exactly one outcome: either its handlers
// are attached, or the socket is closed.
func (g *upgradeGatekeeperImpl) authenticate(ws *websocket.Conn, r *http.Request) {
	localLogTags, _ := common.UpdateLogTags(r.Context(), g.LogTags)

	credential := ExtractSessionCredential(
		r, g.reserved, g.params.CredentialCookieName,
	)
	if credential == "" {
		log.WithFields(localLogTags).Debug("Closing connection. No credential supplied")
		g.closeUnauthenticated(ws, "Authentication required")
		return
	}
	userID, err := g.params.VerifyCredential(credential)
	if err != nil {
		// Error detail stays server side. The close reason is fixed.
		log.WithError(err).WithFields(localLogTags).Warn("Credential verification failed")
		g.closeUnauthenticated(ws, "Invalid token")
		return
	}

	conn := getWebsocketConnection(userID, ws, g.params.SendQueueLen)
	if err := g.registry.RegisterConnection(g.operationCtxt, conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Connection registration failed")
		conn.Close(websocket.CloseInternalServerErr, "Registration failed")
		return
	}
	conn.startWriter(g.wg)
	g.watchShutdown(conn)
	g.readLoop(conn, ws)
}

// closeUnauthenticated close a connection which never passed authentication
// with a policy violation code
func (g *upgradeGatekeeperImpl) closeUnauthenticated(ws *websocket.Conn, reason string) {
	if err := ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeTimeout),
	); err != nil {
		log.WithError(err).WithFields(g.LogTags).Debug("Close frame write failed")
	}
	_ = ws.Close()
}

// watchShutdown close the connection when the gateway shuts down
func (g *upgradeGatekeeperImpl) watchShutdown(conn *wsConnection) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		select {
		case <-conn.closed:
		case <-g.operationCtxt.Done():
			conn.Close(websocket.CloseGoingAway, "Server shutting down")
		}
	}()
}

// readLoop pump inbound frames from a registered connection into the
// subscription registry until the socket closes or errors
func (g *upgradeGatekeeperImpl) readLoop(conn *wsConnection, ws *websocket.Conn) {
	var closeErr error
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && g.operationCtxt.Err() == nil {
				closeErr = err
			}
			break
		}
		if err := g.registry.HandleClientFrame(g.operationCtxt, conn.ID(), frame); err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Failed to process frame from %s", conn.ID(),
			)
		}
	}
	// Cleanup is unconditional and happens before the handler goroutine exits
	if err := g.registry.ConnectionClosed(g.operationCtxt, conn.ID(), closeErr); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Failed to deregister connection %s", conn.ID(),
		)
	}
	conn.Close(websocket.CloseNormalClosure, "")
}
