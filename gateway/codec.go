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
	"net/http"
	"strings"
)

// csrfSubprotocolPrefix marks a Sec-WebSocket-Protocol entry carrying a CSRF token
const csrfSubprotocolPrefix = "csrf."

// ParseCookieHeader parse a raw Cookie header into key / value pairs. Later
// duplicates of a name are ignored.
func ParseCookieHeader(header string) map[string]string {
	result := map[string]string{}
	for _, segment := range strings.Split(header, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		name, value, found := strings.Cut(segment, "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if name == "" {
			continue
		}
		if _, ok := result[name]; !ok {
			result[name] = value
		}
	}
	return result
}

// ParseSubprotocols parse the comma separated Sec-WebSocket-Protocol header of
// a request into the client's offered subprotocol list
func ParseSubprotocols(request *http.Request) []string {
	header := request.Header.Get("Sec-Websocket-Protocol")
	if header == "" {
		return nil
	}
	var result []string
	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			result = append(result, entry)
		}
	}
	return result
}

// ExtractCSRFToken read the CSRF token of an upgrade request. Lookup order is
// the "csrf" query parameter, then a "csrf."-prefixed subprotocol entry; first
// match wins. Returns "" when no token is present.
func ExtractCSRFToken(request *http.Request) string {
	if token := request.URL.Query().Get("csrf"); token != "" {
		return token
	}
	for _, entry := range ParseSubprotocols(request) {
		if strings.HasPrefix(entry, csrfSubprotocolPrefix) {
			return strings.TrimPrefix(entry, csrfSubprotocolPrefix)
		}
	}
	return ""
}

// ExtractSessionCredential read the session credential of a just-upgraded
// connection. The first subprotocol entry which is neither a reserved
// subprotocol name nor CSRF-prefixed is the credential; the named cookie is
// the fallback. Returns "" when no credential is present.
func ExtractSessionCredential(
	request *http.Request, reservedSubprotocols map[string]bool, cookieName string,
) string {
	for _, entry := range ParseSubprotocols(request) {
		if reservedSubprotocols[entry] || strings.HasPrefix(entry, csrfSubprotocolPrefix) {
			continue
		}
		return entry
	}
	cookies := ParseCookieHeader(request.Header.Get("Cookie"))
	return cookies[cookieName]
}
