// Package security holds TLS settings shared by the gateway listener and the
// metrics server.
package security

// ServerTLSConfig holds TLS configuration for HTTP servers
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"` // "1.2" or "1.3"
}

// Validate reports whether an enabled configuration names its key pair.
func (c ServerTLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errMissingKeyPair
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
		return nil
	default:
		return errBadMinVersion
	}
}
