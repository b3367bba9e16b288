package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// CredentialsVersion is the only layout this service accepts.
const CredentialsVersion = 1

// List limits, matching the max tags on Credentials.
const (
	maxCertifications = 20
	maxContactLinks   = 10
)

// Credentials is the instructor's certification and contact block attached
// to a program. It is stored as JSON and decoded into typed lists here so
// nothing downstream handles raw maps.
type Credentials struct {
	Version        int             `json:"version" validate:"eq=1"`
	Certifications []Certification `json:"certifications" validate:"max=20,dive"`
	ContactLinks   []ContactLink   `json:"contact_links" validate:"max=10,dive"`
}

type Certification struct {
	Name     string `json:"name" validate:"required,max=100"`
	Issuer   string `json:"issuer,omitempty" validate:"max=100"`
	IssuedOn string `json:"issued_on,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type ContactLink struct {
	Kind string `json:"kind" validate:"required,oneof=homepage instagram youtube blog other"`
	URL  string `json:"url" validate:"required,url"`
}

var credentialsValidate = validator.New()

// Validate checks version and per-entry rules.
func (c Credentials) Validate() error {
	if err := credentialsValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	return nil
}

// Value stores the block as JSON; an empty block is stored as NULL.
func (c Credentials) Value() (driver.Value, error) {
	if c.Version == 0 && len(c.Certifications) == 0 && len(c.ContactLinks) == 0 {
		return nil, nil
	}
	if c.Version == 0 {
		c.Version = CredentialsVersion
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Scan decodes the JSON column without rejecting it. The column is written
// by the catalogue, so entries this service cannot validate are logged and
// dropped instead of failing the row; NULL or unreadable JSON yields an
// empty block. Validation is enforced on write by Value.
func (c *Credentials) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = Credentials{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("credentials: unsupported column type")
	}
	var decoded Credentials
	if err := json.Unmarshal(raw, &decoded); err != nil {
		slog.Warn("ignoring unreadable credentials column", "error", err)
		*c = Credentials{}
		return nil
	}
	*c = decoded.lenient()
	return nil
}

// lenient keeps the entries that pass validation, up to the list limits.
func (c Credentials) lenient() Credentials {
	if c.Version != 0 && c.Version != CredentialsVersion {
		slog.Warn("reading credentials with an unsupported version", "version", c.Version)
	}
	out := Credentials{Version: CredentialsVersion}
	for _, cert := range c.Certifications {
		if err := credentialsValidate.Struct(cert); err != nil {
			slog.Warn("dropping invalid certification", "name", cert.Name, "error", err)
			continue
		}
		if len(out.Certifications) < maxCertifications {
			out.Certifications = append(out.Certifications, cert)
		}
	}
	for _, link := range c.ContactLinks {
		if err := credentialsValidate.Struct(link); err != nil {
			slog.Warn("dropping invalid contact link", "kind", link.Kind, "error", err)
			continue
		}
		if len(out.ContactLinks) < maxContactLinks {
			out.ContactLinks = append(out.ContactLinks, link)
		}
	}
	return out
}
