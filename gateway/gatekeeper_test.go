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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

const (
	testCSRFSecret = "gatekeeper-test-csrf-secret"
	testJWTSecret  = "gatekeeper-test-jwt-secret"
)

// defineTestGateway spin up a registry and a gatekeeper-wrapped HTTP server
func defineTestGateway(
	assert *assert.Assertions,
	ctxt context.Context,
	resolver RecordVersionResolver,
	wg *sync.WaitGroup,
) (SubscriptionRegistry, *httptest.Server) {
	registry, err := GetSubscriptionRegistry(ctxt, resolver, 4, wg)
	assert.Nil(err)
	assert.Nil(registry.StartEventLoop(wg))

	gatekeeper, err := GetUpgradeGatekeeper(
		ctxt, UpgradeGatekeeperParams{
			WebsocketPath:        "/ws",
			CSRFCookieName:       "csrf",
			CSRFEncrypted:        false,
			CredentialCookieName: "accessToken",
			ReservedSubprotocols: []string{"graphql", "json"},
			VerifyCSRF:           GetHMACCSRFVerifier(testCSRFSecret),
			VerifyCredential:     GetJWTCredentialVerifier(testJWTSecret),
			SendQueueLen:         16,
		}, registry, wg,
	)
	assert.Nil(err)

	router := mux.NewRouter()
	router.Methods("get").Path("/hello").HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	)
	return registry, httptest.NewServer(gatekeeper.Middleware(router))
}

// testSessionJWT sign a session JWT for the given user
func testSessionJWT(assert *assert.Assertions, userID string) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	assert.Nil(err)
	return signed
}

func TestUpgradeGatekeeping(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := &testResolver{versions: map[SubscriptionKey]int64{}}
	registry, server := defineTestGateway(assert, ctxt, resolver, &wg)
	defer server.Close()
	defer func() {
		assert.Nil(registry.StopEventLoop())
	}()

	wsBase := strings.Replace(server.URL, "http", "ws", 1)
	crumbValue := "csrf-crumb-value-01"
	crumb := SignCrumb(testCSRFSecret, crumbValue, false)

	// Case 1: normal requests pass through to the routes
	{
		resp, err := http.Get(server.URL + "/hello")
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 2: upgrade against any other path is destroyed with no response
	{
		dialer := websocket.Dialer{HandshakeTimeout: time.Second * 2}
		_, resp, err := dialer.Dial(wsBase+"/hello", nil)
		assert.NotNil(err)
		if resp != nil {
			assert.NotEqual(http.StatusSwitchingProtocols, resp.StatusCode)
		}
	}

	// Case 3: upgrade with no CSRF token is rejected with HTTP 403
	{
		dialer := websocket.Dialer{HandshakeTimeout: time.Second * 2}
		_, resp, err := dialer.Dial(wsBase+"/ws", nil)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
	}

	// Case 4: upgrade with a token mismatching the cookie crumb is rejected
	{
		header := http.Header{}
		header.Set("Cookie", fmt.Sprintf("csrf=%s", crumb))
		dialer := websocket.Dialer{HandshakeTimeout: time.Second * 2}
		_, resp, err := dialer.Dial(wsBase+"/ws?csrf=some-other-value", header)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusForbidden, resp.StatusCode)
	}

	// Case 5: good CSRF but no credential closes with a policy violation
	{
		header := http.Header{}
		header.Set("Cookie", fmt.Sprintf("csrf=%s", crumb))
		dialer := websocket.Dialer{HandshakeTimeout: time.Second * 2}
		ws, resp, err := dialer.Dial(wsBase+"/ws?csrf="+crumbValue, header)
		assert.Nil(err)
		assert.Equal(http.StatusSwitchingProtocols, resp.StatusCode)
		assert.Nil(ws.SetReadDeadline(time.Now().Add(time.Second * 2)))
		_, _, err = ws.ReadMessage()
		assert.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation))
		assert.Nil(ws.Close())
	}

	// Case 6: good CSRF but a garbage credential closes with a policy violation
	{
		header := http.Header{}
		header.Set("Cookie", fmt.Sprintf("csrf=%s; accessToken=garbage", crumb))
		dialer := websocket.Dialer{HandshakeTimeout: time.Second * 2}
		ws, _, err := dialer.Dial(wsBase+"/ws?csrf="+crumbValue, header)
		assert.Nil(err)
		assert.Nil(ws.SetReadDeadline(time.Now().Add(time.Second * 2)))
		_, _, err = ws.ReadMessage()
		assert.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation))
		assert.Nil(ws.Close())
	}

	// No connection survived authentication so far
	{
		stats, err := registry.Stats(ctxt)
		assert.Nil(err)
		assert.Equal(0, stats.ActiveConnections)
	}
}

func TestGatewaySubscribeFlow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := &testResolver{versions: map[SubscriptionKey]int64{
		"record:institution:42": 5,
	}}
	registry, server := defineTestGateway(assert, ctxt, resolver, &wg)
	defer server.Close()
	defer func() {
		assert.Nil(registry.StopEventLoop())
	}()

	wsBase := strings.Replace(server.URL, "http", "ws", 1)
	crumbValue := "csrf-crumb-value-02"
	crumb := SignCrumb(testCSRFSecret, crumbValue, false)

	// Full handshake. CSRF rides a subprotocol entry, the credential is the
	// first non-reserved entry.
	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf("csrf=%s", crumb))
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Second * 2,
		Subprotocols: []string{
			"graphql", "csrf." + crumbValue, testSessionJWT(assert, "user-01"),
		},
	}
	ws, _, err := dialer.Dial(wsBase+"/ws", header)
	assert.Nil(err)
	assert.Equal("graphql", ws.Subprotocol())

	readMessage := func() ServerMessage {
		assert.Nil(ws.SetReadDeadline(time.Now().Add(time.Second * 2)))
		_, frame, err := ws.ReadMessage()
		assert.Nil(err)
		var msg ServerMessage
		assert.Nil(json.Unmarshal(frame, &msg))
		return msg
	}

	// The connection counts once authenticated. Registration happens after the
	// handshake returns, so poll.
	{
		active := 0
		for retries := 0; retries < 20; retries++ {
			stats, err := registry.Stats(ctxt)
			assert.Nil(err)
			active = stats.ActiveConnections
			if active == 1 {
				break
			}
			time.Sleep(time.Millisecond * 100)
		}
		assert.Equal(1, active)
	}

	// Subscribe and receive the initial version push
	{
		frame, err := json.Marshal(&ClientMessage{
			Action: "subscribe", Keys: []string{"record:institution:42"},
		})
		assert.Nil(err)
		assert.Nil(ws.WriteMessage(websocket.TextMessage, frame))
		msg := readMessage()
		assert.Equal("update", msg.Type)
		assert.Equal(SubscriptionKey("record:institution:42"), msg.Key)
		assert.Equal(int64(5), msg.Version)
	}

	// Ping over the same socket
	{
		frame, err := json.Marshal(&ClientMessage{Action: "ping"})
		assert.Nil(err)
		assert.Nil(ws.WriteMessage(websocket.TextMessage, frame))
		assert.Equal("pong", readMessage().Type)
	}

	// A record change reaches the subscriber
	{
		assert.Nil(registry.RecordChanged(
			ctxt, RecordChange{Table: "institution", ID: "42", Version: 6},
		))
		msg := readMessage()
		assert.Equal("update", msg.Type)
		assert.Equal(int64(6), msg.Version)
	}

	// Client close purges the registration
	{
		assert.Nil(ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		))
		assert.Nil(ws.Close())

		active := 1
		for retries := 0; retries < 20; retries++ {
			stats, err := registry.Stats(ctxt)
			assert.Nil(err)
			active = stats.ActiveConnections
			if active == 0 {
				break
			}
			time.Sleep(time.Millisecond * 100)
		}
		assert.Equal(0, active)
	}
}
