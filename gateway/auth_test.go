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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func TestHMACCSRFVerifier(t *testing.T) {
	assert := assert.New(t)

	secret := "unit-test-csrf-secret"
	uut := GetHMACCSRFVerifier(secret)

	value := "crumb-value-01"
	crumb := SignCrumb(secret, value, false)
	encryptedCrumb := SignCrumb(secret, value, true)

	// Case 1: matching signed crumb
	{
		assert.Nil(uut(crumb, value, false, true))
	}

	// Case 2: production format crumb
	{
		assert.Nil(uut(encryptedCrumb, value, true, true))
	}

	// Case 3: missing token or cookie
	{
		assert.NotNil(uut(crumb, "", false, true))
		assert.NotNil(uut("", value, false, true))
	}

	// Case 4: token does not match the crumb
	{
		assert.NotNil(uut(crumb, "some-other-value", false, true))
	}

	// Case 5: tampered signature
	{
		assert.NotNil(uut(value+".fake-signature", value, false, true))
		assert.NotNil(uut(SignCrumb("wrong-secret", value, false), value, false, true))
	}

	// Case 6: development crumb rejected when encrypted format expected
	{
		assert.NotNil(uut(crumb, value, true, true))
	}

	// Case 7: unsigned comparison accepts a bare crumb
	{
		assert.Nil(uut(value, value, false, false))
	}
}

func TestJWTCredentialVerifier(t *testing.T) {
	assert := assert.New(t)

	secret := "unit-test-jwt-secret"
	uut := GetJWTCredentialVerifier(secret)

	signToken := func(secret string, claims jwt.MapClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString([]byte(secret))
		assert.Nil(err)
		return signed
	}

	// Case 1: valid token
	{
		token := signToken(secret, jwt.MapClaims{
			"sub": "user-01", "exp": time.Now().Add(time.Hour).Unix(),
		})
		userID, err := uut(token)
		assert.Nil(err)
		assert.Equal("user-01", userID)
	}

	// Case 2: wrong signing key
	{
		token := signToken("some-other-secret", jwt.MapClaims{
			"sub": "user-01", "exp": time.Now().Add(time.Hour).Unix(),
		})
		_, err := uut(token)
		assert.NotNil(err)
	}

	// Case 3: expired token
	{
		token := signToken(secret, jwt.MapClaims{
			"sub": "user-01", "exp": time.Now().Add(-time.Hour).Unix(),
		})
		_, err := uut(token)
		assert.NotNil(err)
	}

	// Case 4: no subject claim
	{
		token := signToken(secret, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		_, err := uut(token)
		assert.NotNil(err)
	}

	// Case 5: not a JWT at all
	{
		_, err := uut("definitely-not-a-jwt")
		assert.NotNil(err)
	}
}
