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

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// ChangeFeedSubject is the subject carrying record change events
	ChangeFeedSubject string `mapstructure:"change_feed_subject" json:"change_feed_subject" validate:"required"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Authentication Related Config

// CSRFConfig defines parameters for validating the CSRF token of an upgrade request
type CSRFConfig struct {
	// CookieName is the cookie holding the CSRF crumb
	CookieName string `mapstructure:"cookie_name" json:"cookie_name" validate:"required"`
	// Secret is the HMAC key used to verify signed CSRF crumbs
	Secret string `mapstructure:"secret" json:"secret" validate:"required"`
}

// CredentialConfig defines parameters for validating the session credential of a connection
type CredentialConfig struct {
	// CookieName is the fallback cookie holding the session access token
	CookieName string `mapstructure:"cookie_name" json:"cookie_name" validate:"required"`
	// JWTSecret is the HMAC key used to verify session JWTs
	JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret" validate:"required"`
}

// GatewayAuthConfig defines the two factor handshake parameters of the gateway
type GatewayAuthConfig struct {
	// CSRF are the pre-upgrade CSRF verification parameters
	CSRF CSRFConfig `mapstructure:"csrf" json:"csrf" validate:"required,dive"`
	// Credential are the post-upgrade session credential parameters
	Credential CredentialConfig `mapstructure:"credential" json:"credential" validate:"required,dive"`
	// ReservedSubprotocols are subprotocol names never treated as a session credential
	ReservedSubprotocols []string `mapstructure:"reserved_subprotocols" json:"reserved_subprotocols"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway REST APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// WebsocketPath is the one upgrade path served by the gateway
	WebsocketPath string `mapstructure:"websocket_path" json:"websocket_path" validate:"required,startswith=/"`
}

// GatewayServerConfig defines configuration for the gateway server
type GatewayServerConfig struct {
	// Environment is the deployment environment. CSRF crumbs are treated as
	// encrypted when this is "production".
	Environment string `mapstructure:"environment" json:"environment" validate:"required,oneof=production development"`
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Auth is the upgrade handshake verification parameters
	Auth GatewayAuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// SendQueueLen is the per-connection outbound message buffer length
	SendQueueLen int `mapstructure:"send_queue_len" json:"send_queue_len" validate:"gte=1"`
}

// ===============================================================================
// Record Storage Related Config

// RecordStoreConfig defines the record storage collaborator parameters
type RecordStoreConfig struct {
	// DSN is the MySQL connection string
	DSN string `mapstructure:"dsn" json:"-" validate:"required"`
	// Tables maps a logical table name to its physical table
	Tables map[string]string `mapstructure:"tables" json:"tables" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the gateway
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Gateway are the gateway server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
	// RecordStore are the record storage collaborator configs
	RecordStore RecordStoreConfig `mapstructure:"record_store" json:"record_store" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.change_feed_subject", "recordgate.record-change")
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default gateway server settings
	viper.SetDefault("gateway.environment", "development")
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.endpoint_config.websocket_path", "/ws")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Recordgate-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"Cookie", "Sec-Websocket-Protocol",
		},
	)
	viper.SetDefault("gateway.auth.csrf.cookie_name", "csrf")
	viper.SetDefault("gateway.auth.credential.cookie_name", "accessToken")
	viper.SetDefault(
		"gateway.auth.reserved_subprotocols", []string{"graphql", "json"},
	)
	viper.SetDefault("gateway.send_queue_len", 32)

	// Default record store settings
	viper.SetDefault("record_store.tables", map[string]string{})
}
