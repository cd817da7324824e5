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

// Manual test client for the gateway. Performs the full upgrade handshake
// against a running server, subscribes to a set of record keys, and prints
// every message pushed back.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alwitt/recordgate/gateway"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	ServerURL      string `validate:"required,url"`
	JSONLog        bool
	LogLevel       string `validate:"required,oneof=debug info warn error"`
	CSRFSecret     string `validate:"required"`
	CSRFCookieName string `validate:"required"`
	JWTSecret      string `validate:"required"`
	UserID         string `validate:"required"`
	Keys           cli.StringSlice
}

var args cmdArgs

func main() {
	app := &cli.App{
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "server-url",
				Usage:       "Gateway websocket URL",
				Aliases:     []string{"s"},
				EnvVars:     []string{"GATEWAY_SERVER_URL"},
				Value:       "ws://localhost:3000/ws",
				DefaultText: "ws://localhost:3000/ws",
				Destination: &args.ServerURL,
				Required:    false,
			},
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "info",
				DefaultText: "info",
				Destination: &args.LogLevel,
				Required:    false,
			},
			// Handshake
			&cli.StringFlag{
				Name:        "csrf-secret",
				Usage:       "HMAC key used to sign the CSRF crumb",
				EnvVars:     []string{"CSRF_SECRET"},
				Destination: &args.CSRFSecret,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "csrf-cookie-name",
				Usage:       "Cookie name holding the CSRF crumb",
				EnvVars:     []string{"CSRF_COOKIE_NAME"},
				Value:       "csrf",
				DefaultText: "csrf",
				Destination: &args.CSRFCookieName,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "jwt-secret",
				Usage:       "HMAC key used to sign the session JWT",
				EnvVars:     []string{"JWT_SECRET"},
				Destination: &args.JWTSecret,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "user-id",
				Usage:       "Subject claim of the session JWT",
				Aliases:     []string{"u"},
				EnvVars:     []string{"GATEWAY_USER_ID"},
				Value:       "test-user",
				DefaultText: "test-user",
				Destination: &args.UserID,
				Required:    false,
			},
			&cli.StringSliceFlag{
				Name:        "key",
				Usage:       "Record key to subscribe to, e.g. record:institution:42",
				Aliases:     []string{"k"},
				EnvVars:     []string{"GATEWAY_KEYS"},
				Destination: &args.Keys,
				Required:    true,
			},
		},
		Action: runClient,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

func runClient(c *cli.Context) error {
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}

	// Build the CSRF crumb and the session JWT. The cookie carries the signed
	// crumb, the subprotocol entry carries the bare value.
	crumbValue := uuid.NewString()
	crumb := gateway.SignCrumb(args.CSRFSecret, crumbValue, false)
	sessionToken, err := jwt.NewWithClaims(
		jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": args.UserID,
			"exp": time.Now().Add(time.Hour).Unix(),
		},
	).SignedString([]byte(args.JWTSecret))
	if err != nil {
		log.WithError(err).Error("Unable to sign session JWT")
		return err
	}

	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf("%s=%s", args.CSRFCookieName, crumb))
	dialer := websocket.Dialer{
		Subprotocols:     []string{"graphql", "csrf." + crumbValue, sessionToken},
		HandshakeTimeout: time.Second * 10,
	}

	ws, resp, err := dialer.Dial(args.ServerURL, header)
	if err != nil {
		if resp != nil {
			log.WithError(err).Errorf("Handshake rejected with %s", resp.Status)
		} else {
			log.WithError(err).Error("Unable to reach gateway")
		}
		return err
	}
	defer func() {
		_ = ws.Close()
	}()
	log.Infof("Connected to %s", args.ServerURL)

	subscribe, err := json.Marshal(map[string]interface{}{
		"action": "subscribe", "keys": args.Keys.Value(),
	})
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, subscribe); err != nil {
		log.WithError(err).Error("Subscribe request failed")
		return err
	}
	log.Infof("Subscribed to [%s]", strings.Join(args.Keys.Value(), ", "))

	// Print inbound pushes until interrupted
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				log.WithError(err).Info("Connection closed")
				return
			}
			log.Infof("RECV %s", frame)
		}
	}()

	cc := make(chan os.Signal, 1)
	signal.Notify(cc, os.Interrupt)
	select {
	case <-cc:
	case <-done:
		return nil
	}

	err = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second*5),
	)
	if err != nil {
		log.WithError(err).Debug("Close frame write failed")
	}
	select {
	case <-done:
	case <-time.After(time.Second * 5):
	}
	return nil
}
