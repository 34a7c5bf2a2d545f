package domain

import "sort"

// Accepted session metadata keys. Anything else is rejected at the boundary.
const (
	MetaLocale        = "locale"
	MetaTimezone      = "timezone"
	MetaClientVersion = "client_version"
	MetaAppName       = "app_name"
	MetaChannel       = "channel"
	MetaReferrer      = "referrer"
)

const maxMetadataValueLen = 256

var acceptedMetadataKeys = map[string]struct{}{
	MetaLocale:        {},
	MetaTimezone:      {},
	MetaClientVersion: {},
	MetaAppName:       {},
	MetaChannel:       {},
	MetaReferrer:      {},
}

// SessionMetadata is the validated key-value map stored with a session
type SessionMetadata map[string]string

// Validate rejects unknown keys and oversized values
func (m SessionMetadata) Validate() error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok := acceptedMetadataKeys[k]; !ok {
			return invalid("metadata", "unsupported key %q", k)
		}
		if len(m[k]) > maxMetadataValueLen {
			return invalid("metadata", "value for %q exceeds %d bytes", k, maxMetadataValueLen)
		}
	}
	return nil
}
