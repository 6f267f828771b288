package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bidreach/internal/config"
)

// Places discovers contractors through the Google Places API. A search is a
// three-call sequence: geocode the zip code, nearby-search around the
// coordinates, then fetch per-place details for the contact fields the
// nearby results omit.
type Places struct {
	BaseURL    string
	APIKey     string
	Radius     int
	MaxResults int
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewPlaces builds a Places provider from the discovery config block.
func NewPlaces(cfg *config.Config) *Places {
	return &Places{
		BaseURL:    cfg.Discovery.BaseURL,
		APIKey:     cfg.Discovery.APIKey,
		Radius:     cfg.Discovery.RadiusMeters,
		MaxResults: cfg.Discovery.MaxResults,
		Timeout:    cfg.DiscoveryTimeout(),
	}
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

type nearbyResponse struct {
	Status  string `json:"status"`
	Results []struct {
		PlaceID string  `json:"place_id"`
		Name    string  `json:"name"`
		Rating  float64 `json:"rating"`
	} `json:"results"`
}

type detailsResponse struct {
	Status string `json:"status"`
	Result struct {
		Name                 string `json:"name"`
		FormattedAddress     string `json:"formatted_address"`
		FormattedPhoneNumber string `json:"formatted_phone_number"`
		Website              string `json:"website"`
	} `json:"result"`
}

func (p *Places) Discover(ctx context.Context, zipCode, projectType string) ([]Result, error) {
	var geo geocodeResponse
	if err := p.get(ctx, "geocode/json", url.Values{"address": {zipCode}}, &geo); err != nil {
		return nil, fmt.Errorf("geocode %s: %w", zipCode, err)
	}
	if geo.Status != "OK" || len(geo.Results) == 0 {
		return nil, fmt.Errorf("geocode %s: status %s", zipCode, geo.Status)
	}
	loc := geo.Results[0].Geometry.Location

	var nearby nearbyResponse
	params := url.Values{
		"location": {fmt.Sprintf("%f,%f", loc.Lat, loc.Lng)},
		"radius":   {fmt.Sprintf("%d", p.Radius)},
		"keyword":  {projectType + " contractors"},
	}
	if err := p.get(ctx, "place/nearbysearch/json", params, &nearby); err != nil {
		return nil, fmt.Errorf("nearby search: %w", err)
	}
	if nearby.Status == "ZERO_RESULTS" {
		return nil, nil
	}
	if nearby.Status != "OK" {
		return nil, fmt.Errorf("nearby search: status %s", nearby.Status)
	}

	var res []Result
	for _, place := range nearby.Results {
		if p.MaxResults > 0 && len(res) >= p.MaxResults {
			break
		}
		var details detailsResponse
		params := url.Values{
			"place_id": {place.PlaceID},
			"fields":   {"name,formatted_address,formatted_phone_number,website"},
		}
		if err := p.get(ctx, "place/details/json", params, &details); err != nil {
			return nil, fmt.Errorf("place details %s: %w", place.PlaceID, err)
		}
		if details.Status != "OK" {
			// A single stale place_id does not sink the whole search.
			continue
		}
		res = append(res, Result{
			Name:      place.Name,
			Address:   details.Result.FormattedAddress,
			ZipCode:   zipCode,
			Phone:     details.Result.FormattedPhoneNumber,
			Website:   details.Result.Website,
			Source:    "google_places",
			Relevance: place.Rating,
		})
	}
	return res, nil
}

func (p *Places) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: p.Timeout}
	}
	params.Set("key", p.APIKey)
	u := strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/") + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
