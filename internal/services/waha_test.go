package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"glowledger_app/internal/config"
)

func TestNormalizeChatID(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		countryCode string
		expected    string
	}{
		{
			name:        "phone number without country code",
			input:       "081246361829",
			countryCode: "62",
			expected:    "6281246361829@c.us",
		},
		{
			name:        "phone number with country code",
			input:       "6281246361829",
			countryCode: "62",
			expected:    "6281246361829@c.us",
		},
		{
			name:        "group id",
			input:       "120363407813232111@g.us",
			countryCode: "62",
			expected:    "120363407813232111@g.us",
		},
		{
			name:        "phone number without country code, with suffix",
			input:       "081246361829@c.us",
			countryCode: "62",
			expected:    "6281246361829@c.us",
		},
		{
			name:        "plus prefix and separators",
			input:       "+62 812-4636-1829",
			countryCode: "62",
			expected:    "6281246361829@c.us",
		},
		{
			name:        "other country code",
			input:       "0612345678",
			countryCode: "31",
			expected:    "31612345678@c.us",
		},
		{
			name:        "no country code configured",
			input:       "0612345678",
			countryCode: "",
			expected:    "0612345678@c.us",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeChatID(tt.input, tt.countryCode)
			if result != tt.expected {
				t.Errorf("NormalizeChatID(%q) = %q; want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestWahaSendMessage(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var text map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/api/sendText" {
			_ = json.NewDecoder(r.Body).Decode(&text)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	waha := NewWahaService(config.WahaConfig{BaseURL: srv.URL, APIKey: "secret", Session: "studio"}, "62")
	if err := waha.SendMessage(context.Background(), "0812345", "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	want := []string{"/api/sendSeen", "/api/startTyping", "/api/stopTyping", "/api/sendText"}
	if len(paths) != len(want) {
		t.Fatalf("requests = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("request %d = %s, want %s", i, paths[i], want[i])
		}
	}
	if text["chatId"] != "62812345@c.us" || text["text"] != "hello" || text["session"] != "studio" {
		t.Errorf("sendText payload = %v", text)
	}
}

func TestWahaSendMessageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session stopped", http.StatusBadGateway)
	}))
	defer srv.Close()

	waha := NewWahaService(config.WahaConfig{BaseURL: srv.URL}, "62")
	if err := waha.SendMessage(context.Background(), "0812345", "hello"); err == nil {
		t.Fatal("expected error from failing gateway")
	}
}
