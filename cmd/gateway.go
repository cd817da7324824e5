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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/recordgate/apis"
	"github.com/alwitt/recordgate/common"
	"github.com/alwitt/recordgate/core"
	"github.com/alwitt/recordgate/gateway"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"gorm.io/gorm"
)

// registryTaskBuffer depth of the subscription registry request channel
const registryTaskBuffer = 64

// RunGatewayServer run the record gateway server
func RunGatewayServer(
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	db *gorm.DB,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid system config")
		return err
	}
	if config.Gateway == nil {
		err := fmt.Errorf("no gateway config section provided")
		log.WithError(err).WithFields(logTags).Error("Invalid system config")
		return err
	}
	gatewayCfg := config.Gateway

	// -------------------------------------------------------------------
	// Record version resolution

	recordStore, err := gateway.GetGormRecordStore(db)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define record store")
		return err
	}
	resolver, err := gateway.GetRecordVersionResolver(recordStore, config.RecordStore.Tables)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define version resolver")
		return err
	}

	// -------------------------------------------------------------------
	// Subscription registry

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	registry, err := gateway.GetSubscriptionRegistry(
		localCtxt, resolver, registryTaskBuffer, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}
	if err := registry.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start subscription registry")
		return err
	}
	defer func() {
		if err := registry.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Subscription registry stop failed")
		}
	}()

	// -------------------------------------------------------------------
	// Record change feed

	feedSubject := config.NATS.ChangeFeedSubject
	changeSub, err := natsClient.Subscribe(feedSubject, func(msg *nats.Msg) {
		var change gateway.RecordChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Discarding malformed change event on %s", feedSubject,
			)
			return
		}
		if err := validate.Struct(&change); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Discarding invalid change event on %s", feedSubject,
			)
			return
		}
		if err := registry.RecordChanged(localCtxt, change); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to fan out change event %s", change.String(),
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to subscribe for change events on %s", feedSubject,
		)
		return err
	}
	defer func() {
		if err := changeSub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Change feed unsubscribe failed")
		}
	}()

	// -------------------------------------------------------------------
	// Upgrade gatekeeper

	gatekeeper, err := gateway.GetUpgradeGatekeeper(
		localCtxt, gateway.UpgradeGatekeeperParams{
			WebsocketPath:        gatewayCfg.Endpoints.WebsocketPath,
			CSRFCookieName:       gatewayCfg.Auth.CSRF.CookieName,
			CSRFEncrypted:        gatewayCfg.Environment == "production",
			CredentialCookieName: gatewayCfg.Auth.Credential.CookieName,
			ReservedSubprotocols: gatewayCfg.Auth.ReservedSubprotocols,
			VerifyCSRF:           gateway.GetHMACCSRFVerifier(gatewayCfg.Auth.CSRF.Secret),
			VerifyCredential:     gateway.GetJWTCredentialVerifier(gatewayCfg.Auth.Credential.JWTSecret),
			SendQueueLen:         gatewayCfg.SendQueueLen,
		}, registry, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define upgrade gatekeeper")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestGatewayHandler(
		natsClient, &gatewayCfg.HTTPSetting, registry,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, gatewayCfg.Endpoints.PathPrefix, nil)

	// Gateway stats
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/gateway/stats", map[string]http.HandlerFunc{
			"get": httpHandler.GetStatsHandler(),
		},
	)

	// Record change injection
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/record/{table}/{recordID}/version", map[string]http.HandlerFunc{
			"post": httpHandler.RecordChangedHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	// Upgrade requests bypass normal routing
	serverHandler := gatekeeper.Middleware(router)

	if err := registry.MarkRegistered(localCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to mark gateway registered")
		return err
	}

	serverCfg := gatewayCfg.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(serverHandler, &http2.Server{}),
	}

	// Cancel runtime context on shutdown. Open websocket connections watch
	// this context and close themselves with "going away".
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
