package security

import "errors"

var (
	errMissingKeyPair = errors.New("tls enabled without cert_file and key_file")
	errBadMinVersion  = errors.New("tls min_version must be 1.2 or 1.3")
)
