package smtp

import "fmt"

// ExtensionState is the per-session input to extension advertisement:
// everything that can change which capabilities the server offers.
type ExtensionState struct {
	TLSActive     bool
	TLSAvailable  bool
	AuthAvailable bool
	Authenticated bool
	Submission    bool
}

// AdvertisedExtensions returns the EHLO capability tokens for the current
// session state. The result is a pure function of static configuration and
// the session's TLS/auth state: STARTTLS disappears once TLS is active, and
// AUTH is held back until the transport is secured unless configuration
// explicitly allows plaintext authentication.
func (c *Config) AdvertisedExtensions(st ExtensionState) []string {
	exts := []string{
		"PIPELINING",
		fmt.Sprintf("SIZE %d", c.MaxMessageSize),
		"8BITMIME",
		"SMTPUTF8",
	}
	if st.TLSAvailable && !st.TLSActive {
		exts = append(exts, "STARTTLS")
	}
	if c.authOffered(st) {
		exts = append(exts, "AUTH PLAIN LOGIN")
	}
	exts = append(exts, "CHUNKING", "DSN", "ENHANCEDSTATUSCODES")
	return exts
}

// authOffered reports whether AUTH may be advertised and accepted right now.
func (c *Config) authOffered(st ExtensionState) bool {
	if !st.AuthAvailable || st.Authenticated {
		return false
	}
	if !st.Submission && !c.AuthOnRelayPort {
		return false
	}
	if c.RequireTLSForAuth && !st.TLSActive {
		return false
	}
	return true
}
