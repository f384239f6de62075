package internal

// Secret holds an API key or other credential. It satisfies fmt.Stringer
// with a redacted value so secrets can't leak through logs or error
// messages; code that actually needs the credential calls Reveal.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// Reveal returns the underlying credential.
func (s Secret) Reveal() string { return string(s) }

// IsZero reports whether no credential was configured.
func (s Secret) IsZero() bool { return s == "" }
