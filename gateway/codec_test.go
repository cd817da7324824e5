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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCookieHeader(t *testing.T) {
	assert := assert.New(t)

	// Case 1: empty header
	{
		assert.Empty(ParseCookieHeader(""))
	}

	// Case 2: multiple cookies
	{
		parsed := ParseCookieHeader("csrf=abc.def; accessToken=xyz; theme=dark")
		assert.Len(parsed, 3)
		assert.Equal("abc.def", parsed["csrf"])
		assert.Equal("xyz", parsed["accessToken"])
		assert.Equal("dark", parsed["theme"])
	}

	// Case 3: first duplicate wins
	{
		parsed := ParseCookieHeader("csrf=first; csrf=second")
		assert.Equal("first", parsed["csrf"])
	}

	// Case 4: quoted values and stray separators
	{
		parsed := ParseCookieHeader(`; csrf="quoted" ; broken ; =novalue`)
		assert.Equal("quoted", parsed["csrf"])
		assert.NotContains(parsed, "broken")
		assert.NotContains(parsed, "")
	}
}

func TestExtractCSRFToken(t *testing.T) {
	assert := assert.New(t)

	// Case 1: no token anywhere
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		assert.Equal("", ExtractCSRFToken(req))
	}

	// Case 2: query parameter
	{
		req := httptest.NewRequest("GET", "/ws?csrf=from-query", nil)
		assert.Equal("from-query", ExtractCSRFToken(req))
	}

	// Case 3: subprotocol entry
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Sec-Websocket-Protocol", "graphql, csrf.from-subproto, a.jwt.token")
		assert.Equal("from-subproto", ExtractCSRFToken(req))
	}

	// Case 4: query parameter wins over subprotocol
	{
		req := httptest.NewRequest("GET", "/ws?csrf=from-query", nil)
		req.Header.Set("Sec-Websocket-Protocol", "csrf.from-subproto")
		assert.Equal("from-query", ExtractCSRFToken(req))
	}
}

func TestExtractSessionCredential(t *testing.T) {
	assert := assert.New(t)
	reserved := map[string]bool{"graphql": true, "json": true}

	// Case 1: credential rides after reserved subprotocol names
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Sec-Websocket-Protocol", "graphql, json, a.jwt.token")
		assert.Equal("a.jwt.token", ExtractSessionCredential(req, reserved, "accessToken"))
	}

	// Case 2: CSRF-prefixed entries are never the credential
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Sec-Websocket-Protocol", "csrf.some-token, a.jwt.token")
		assert.Equal("a.jwt.token", ExtractSessionCredential(req, reserved, "accessToken"))
	}

	// Case 3: cookie fallback when subprotocols hold no credential
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Sec-Websocket-Protocol", "graphql, csrf.some-token")
		req.Header.Set("Cookie", "accessToken=cookie-jwt")
		assert.Equal("cookie-jwt", ExtractSessionCredential(req, reserved, "accessToken"))
	}

	// Case 4: no credential at all
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Sec-Websocket-Protocol", "graphql")
		assert.Equal("", ExtractSessionCredential(req, reserved, "accessToken"))
	}

	// Case 5: subprotocol credential wins over the cookie
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Sec-Websocket-Protocol", "json, a.jwt.token")
		req.Header.Set("Cookie", "accessToken=cookie-jwt")
		assert.Equal("a.jwt.token", ExtractSessionCredential(req, reserved, "accessToken"))
	}
}
