package main

import "testing"

func TestListenerURL(t *testing.T) {
	cases := []struct {
		address string
		tls     bool
		want    string
	}{
		{":43210", false, "ws://localhost:43210/ws"},
		{"0.0.0.0:43210", false, "ws://localhost:43210/ws"},
		{"[::]:43210", true, "wss://localhost:43210/ws"},
		{"gateway.internal:443", true, "wss://gateway.internal:443/ws"},
		{"", false, "ws://localhost/ws"},
	}
	for _, tc := range cases {
		if got := listenerURL(tc.address, tc.tls); got != tc.want {
			t.Fatalf("listenerURL(%q, %v) = %q, want %q", tc.address, tc.tls, got, tc.want)
		}
	}
}
