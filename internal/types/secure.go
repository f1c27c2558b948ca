package types

import "log/slog"

// SecretString holds a credential (provider API key, object-store secret,
// database URL) and masks it everywhere a value can leak by accident: fmt
// verbs, JSON marshalling, and slog attributes all see the mask. Only an
// explicit Unmask call yields the plaintext.
type SecretString string

const secretMask = "***"

func (s SecretString) String() string { return secretMask }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + secretMask + `"`), nil
}

// LogValue masks the secret in structured log output.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(secretMask)
}

// Unmask returns the plaintext. Call it only at the point of use, when
// building an Authorization header or a connection string.
func (s SecretString) Unmask() string { return string(s) }
