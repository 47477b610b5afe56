package policy

import "strings"

// Key identifies a call site, typically "<namespace>.<name>".
type Key struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name" yaml:"name"`
}

// ParseKey splits s at the first dot. A string without a usable namespace
// becomes a bare name.
func ParseKey(s string) Key {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}
	}
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return Key{Name: s}
	}
	ns := strings.TrimSpace(s[:idx])
	name := strings.TrimSpace(s[idx+1:])
	if name == "" {
		return Key{Name: s}
	}
	if ns == "" {
		return Key{Name: name}
	}
	return Key{Namespace: ns, Name: name}
}

func (k Key) String() string {
	switch {
	case k.Namespace == "":
		return k.Name
	case k.Name == "":
		return k.Namespace
	default:
		return k.Namespace + "." + k.Name
	}
}

// IsZero reports whether k is the empty key.
func (k Key) IsZero() bool { return k == Key{} }
