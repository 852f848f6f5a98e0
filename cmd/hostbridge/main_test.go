package main

import (
	"strings"
	"testing"

	"github.com/morezero/hostbridge/internal/config"
)

const mainTestPrefix = "cmd/hostbridge:main_test"

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"serve", "send", "migrate", "ensure-db", "audit", "DATABASE_URL"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestParseSendArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantType string
		wantKeys int
		wantErr  bool
	}{
		{"type only", []string{"ping"}, "ping", 0, false},
		{"with params", []string{"get_object_info", `{"name":"Cube"}`}, "get_object_info", 1, false},
		{"missing type", nil, "", 0, true},
		{"params not an object", []string{"ping", `[1,2]`}, "", 0, true},
		{"params not json", []string{"ping", `name=Cube`}, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, params, err := parseSendArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("%s - err = %v, wantErr %v", mainTestPrefix, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if gotType != tt.wantType || len(params) != tt.wantKeys {
				t.Errorf("%s - got %q %v", mainTestPrefix, gotType, params)
			}
		})
	}
}

func TestSendConfig(t *testing.T) {
	tc, err := sendConfig(&config.Config{ListenAddr: "0.0.0.0:9877", Framing: "line"})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	if tc.Host != "127.0.0.1" || tc.Port != 9877 || tc.Retries != 0 {
		t.Errorf("%s - config = %+v", mainTestPrefix, tc)
	}

	if _, err := sendConfig(&config.Config{ListenAddr: "127.0.0.1:9877", Framing: "length"}); err == nil {
		t.Errorf("%s - expected error for length framing", mainTestPrefix)
	}
	if _, err := sendConfig(&config.Config{ListenAddr: "nohost"}); err == nil {
		t.Errorf("%s - expected error for address without port", mainTestPrefix)
	}
}
