package webapi

import (
	"net"
	"testing"

	"github.com/cryguy/scriptd/internal/routing"
)

func TestIsPrivateHostname(t *testing.T) {
	cases := map[string]bool{
		"http://localhost:8080/x":     true,
		"http://api.localhost/":       true,
		"http://127.0.0.1/":           true,
		"http://10.1.2.3/":            true,
		"http://169.254.169.254/meta": true,
		"http://[::1]/":               true,
		"http://[::]/":                true,
		"http://[::]:8080/x":          true,
		"http://[fd00::1]/":           true,
		"http://8.8.8.8/":             false,
		"https://example.com/":        false,
		"::not a url":                 true,
	}
	for raw, want := range cases {
		if got := IsPrivateHostname(raw); got != want {
			t.Errorf("IsPrivateHostname(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	if !IsPrivateIP(net.ParseIP("192.168.1.1")) {
		t.Error("192.168.1.1 should be private")
	}
	if IsPrivateIP(net.ParseIP("1.1.1.1")) {
		t.Error("1.1.1.1 should be public")
	}
	if !IsPrivateIP(net.ParseIP("::")) {
		t.Error(":: should be private")
	}
	if IsPrivateIP(net.ParseIP("2001:4860:4860::8888")) {
		t.Error("2001:4860:4860::8888 should be public")
	}
}

func TestRegistrations_DuplicateFailsClose(t *testing.T) {
	r := NewRegistrations()
	if err := r.addRoute(routing.Registration{Method: "GET", Pattern: "/users/{id}", Kind: "text", Handler: 0}); err != nil {
		t.Fatalf("first route: %v", err)
	}
	if err := r.addRoute(routing.Registration{Method: "GET", Pattern: "/users/{name}", Kind: "text", Handler: 1}); err == nil {
		t.Fatal("expected duplicate route error")
	}
	if r.Err() == nil {
		t.Fatal("Err() should report the caught duplicate")
	}
	if _, _, err := r.Close(); err == nil {
		t.Fatal("Close() should fail after a duplicate")
	}
}

func TestRegistrations_ClosedRejects(t *testing.T) {
	r := NewRegistrations()
	if err := r.addPeriodic(PeriodicRegistration{IntervalMs: 5, Handler: 0}); err != nil {
		t.Fatalf("addPeriodic: %v", err)
	}
	if err := r.addRoute(routing.Registration{Method: "GET", Pattern: "/", Kind: "text"}); err != nil {
		t.Fatalf("addRoute: %v", err)
	}
	reg, periodic, err := r.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("got %d routes, want 1", reg.Len())
	}
	if len(periodic) != 1 || periodic[0].IntervalMs != MinPeriodicInterval {
		t.Errorf("periodic = %+v, want one task clamped to %d ms", periodic, MinPeriodicInterval)
	}

	if err := r.addRoute(routing.Registration{Method: "GET", Pattern: "/late", Kind: "text"}); err == nil {
		t.Error("addRoute after Close should fail")
	}
	if err := r.addPeriodic(PeriodicRegistration{IntervalMs: 1000}); err == nil {
		t.Error("addPeriodic after Close should fail")
	}
}
