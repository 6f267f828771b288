package discovery_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"bidreach/internal/config"
	"bidreach/internal/discovery"
)

func newPlacesServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/geocode/json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			t.Errorf("geocode called without api key")
		}
		if r.URL.Query().Get("address") != "90210" {
			fmt.Fprint(w, `{"status":"ZERO_RESULTS","results":[]}`)
			return
		}
		fmt.Fprint(w, `{"status":"OK","results":[{"geometry":{"location":{"lat":34.09,"lng":-118.41}}}]}`)
	})
	mux.HandleFunc("/place/nearbysearch/json", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("keyword"); got != "pool installation contractors" {
			t.Errorf("keyword = %q", got)
		}
		if got := r.URL.Query().Get("radius"); got != "25000" {
			t.Errorf("radius = %q", got)
		}
		fmt.Fprint(w, `{"status":"OK","results":[
			{"place_id":"p1","name":"Blue Pools","rating":4.5},
			{"place_id":"p2","name":"Sunny Pools","rating":4.0},
			{"place_id":"gone","name":"Closed Pools","rating":1.0}
		]}`)
	})
	mux.HandleFunc("/place/details/json", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("place_id") {
		case "p1":
			fmt.Fprint(w, `{"status":"OK","result":{"name":"Blue Pools","formatted_address":"1 Pool St","formatted_phone_number":"(310) 555-0101","website":"https://bluepools.example"}}`)
		case "p2":
			fmt.Fprint(w, `{"status":"OK","result":{"name":"Sunny Pools","formatted_address":"2 Pool St","formatted_phone_number":"(310) 555-0102","website":""}}`)
		default:
			fmt.Fprint(w, `{"status":"NOT_FOUND"}`)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPlacesDiscover(t *testing.T) {
	srv := newPlacesServer(t)
	p := &discovery.Places{BaseURL: srv.URL, APIKey: "test-key", Radius: 25000, MaxResults: 20}
	res, err := p.Discover(context.Background(), "90210", "pool installation")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("got %d results, want 2 (stale place skipped)", len(res))
	}
	first := res[0]
	if first.Name != "Blue Pools" || first.Phone != "(310) 555-0101" || first.Website != "https://bluepools.example" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if first.Source != "google_places" || first.Relevance != 4.5 || first.ZipCode != "90210" {
		t.Fatalf("unexpected metadata: %+v", first)
	}
}

func TestPlacesGeocodeFailure(t *testing.T) {
	srv := newPlacesServer(t)
	p := &discovery.Places{BaseURL: srv.URL, APIKey: "test-key", Radius: 25000}
	if _, err := p.Discover(context.Background(), "00000", "pool installation"); err == nil {
		t.Fatal("expected geocode error for unknown zip")
	}
}

func TestPlacesMaxResults(t *testing.T) {
	srv := newPlacesServer(t)
	p := &discovery.Places{BaseURL: srv.URL, APIKey: "test-key", Radius: 25000, MaxResults: 1}
	res, err := p.Discover(context.Background(), "90210", "pool installation")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("got %d results, want 1", len(res))
	}
}

func TestDedupe(t *testing.T) {
	in := []discovery.Result{
		{Name: "Blue Pools", Phone: "(310) 555-0101"},
		{Name: "BLUE POOLS"},
		{Name: "Other Co", Phone: "310 555 0101"},
		{Name: "Third Co", Email: "Bids@Third.example"},
		{Name: "Third Company", Email: "bids@third.example"},
	}
	out := discovery.Dedupe(in)
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(out), out)
	}
	if out[0].Name != "Blue Pools" || out[1].Name != "Third Co" {
		t.Fatalf("unexpected survivors: %+v", out)
	}
}

func TestStaticFiltersByZip(t *testing.T) {
	s := discovery.Static{Contractors: []config.StaticContractor{
		{Name: "Local Co", ZipCode: "90210", Phone: "+13105550101"},
		{Name: "Far Co", ZipCode: "10001"},
		{Name: "Anywhere Co", Email: "any@example.com"},
	}}
	res, err := s.Discover(context.Background(), "90210", "pool installation")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("got %d results, want 2", len(res))
	}
	if res[0].Name != "Local Co" || res[1].Name != "Anywhere Co" {
		t.Fatalf("unexpected results: %+v", res)
	}
	if res[0].Source != "static" {
		t.Fatalf("source = %q", res[0].Source)
	}
}
