package notify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/attendance/internal/facematch"
)

// Contact is where an identity's notifications go.
type Contact struct {
	Email     string `yaml:"email"`
	FirstName string `yaml:"first_name"`
}

// Contacts maps identity IDs to contacts.
type Contacts map[string]Contact

// LoadContacts reads a YAML file of the form:
//
//	S1001:
//	  email: jana@example.com
//	  first_name: Jana
func LoadContacts(path string) (Contacts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contacts: %w", err)
	}
	return ParseContacts(data)
}

// ParseContacts parses YAML contacts. Identity IDs are normalized and entries
// without an e-mail address are skipped.
func ParseContacts(data []byte) (Contacts, error) {
	var raw map[string]Contact
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse contacts: %w", err)
	}
	out := make(Contacts, len(raw))
	for id, c := range raw {
		id = facematch.NormalizeIdentityID(id)
		if id == "" || c.Email == "" {
			continue
		}
		out[id] = c
	}
	return out, nil
}

// Lookup returns the contact of identityID.
func (c Contacts) Lookup(identityID string) (Contact, bool) {
	contact, ok := c[facematch.NormalizeIdentityID(identityID)]
	return contact, ok
}
