// Package discovery finds contractor candidates for a project location.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"bidreach/internal/config"
	"bidreach/internal/domain"
)

// Result is one contractor candidate returned by a provider.
type Result struct {
	Name      string
	Address   string
	ZipCode   string
	Phone     string
	Email     string
	Website   string
	Source    string
	Relevance float64
}

// Provider searches an external source for contractors near a zip code.
type Provider interface {
	Discover(ctx context.Context, zipCode, projectType string) ([]Result, error)
}

// FromConfig builds the provider named in the discovery config block.
func FromConfig(cfg *config.Config) (Provider, error) {
	switch cfg.Discovery.Provider {
	case "places":
		return NewPlaces(cfg), nil
	case "static", "":
		return Static{Contractors: cfg.Discovery.Static}, nil
	}
	return nil, fmt.Errorf("unknown discovery provider %q", cfg.Discovery.Provider)
}

// Dedupe drops repeats within one result batch. A candidate is a repeat when
// its name, phone or email was already seen. Order is preserved, so
// higher-priority sources should come first.
func Dedupe(in []Result) []Result {
	var out []Result
	seenNames := map[string]bool{}
	seenPhones := map[string]bool{}
	seenEmails := map[string]bool{}
	for _, r := range in {
		name := strings.ToLower(strings.TrimSpace(r.Name))
		phone := domain.PhoneDigits(r.Phone)
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if (name != "" && seenNames[name]) || (phone != "" && seenPhones[phone]) || (email != "" && seenEmails[email]) {
			continue
		}
		out = append(out, r)
		if name != "" {
			seenNames[name] = true
		}
		if phone != "" {
			seenPhones[phone] = true
		}
		if email != "" {
			seenEmails[email] = true
		}
	}
	return out
}

// Static serves contractors straight from the config file. Used for
// development and tests where no search API is reachable.
type Static struct {
	Contractors []config.StaticContractor
}

func (s Static) Discover(ctx context.Context, zipCode, projectType string) ([]Result, error) {
	var res []Result
	for _, c := range s.Contractors {
		if c.ZipCode != "" && c.ZipCode != zipCode {
			continue
		}
		res = append(res, Result{
			Name:      c.Name,
			Address:   c.Address,
			ZipCode:   zipCode,
			Phone:     c.Phone,
			Email:     c.Email,
			Website:   c.Website,
			Source:    "static",
			Relevance: c.Relevance,
		})
	}
	return res, nil
}
