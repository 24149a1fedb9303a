// Package config loads communic8 settings from the environment.
//
// Settings start from Default, are overridden by an optional .env file
// (github.com/joho/godotenv) and then by COMMUNIC8_* variables. Values
// that fail to parse or fall outside their bounds are logged and the
// default is kept, so a typo never prevents a server from starting.
// Command line flags are applied by the caller after Load.
//
//	COMMUNIC8_LISTEN=:8125
//	COMMUNIC8_DISCOVERY=:8125
//	COMMUNIC8_RESPONSE_TIMEOUT_MS=5000
//	COMMUNIC8_NOISE_KEY=<64 hex digits>
//	COMMUNIC8_PROXY=socks5://127.0.0.1:9050
package config
