// Package gateway holds the configuration model of the HTTP front end.
//
// A gateway accepts client requests, hands each one to a plugin through the
// dispatch engine, and runs the sub-operations the plugin asks for against
// configured locations:
//
//	┌──────────────┐  GET /ad/deliver?site=1
//	│  HTTP client │
//	└──────┬───────┘
//	       ↓
//	┌───────────────────────────────┐
//	│  gateway/http.Gateway         │  rate limit, body limit, request ID
//	│   dispatch.Engine + plugin    │
//	└──────┬────────────────────────┘
//	       ↓ sub-operations "/path?args"
//	┌───────────────────────────────┐
//	│  Location                     │
//	│   adserver  framed TCP pool   │
//	│   http      upstream URL      │
//	│   nats      request/reply     │
//	│   loopback  the gateway itself│
//	└───────────────────────────────┘
//
// Locations are matched on the sub-operation path: an exact path wins, else
// the longest location path ending in '/' that prefixes it. A location with
// expose set is also served to clients directly.
//
// The transports live in gateway/http; this package only validates and
// normalises configuration.
package gateway
