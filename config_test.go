package main

import (
	"os"
	"testing"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		old, had := os.LookupEnv(key)
		os.Unsetenv(key)
		k := key
		if had {
			t.Cleanup(func() { os.Setenv(k, old) })
		}
	}
}

func strptr(s string) *string { return &s }
func boolptr(b bool) *bool    { return &b }
func intptr(i int) *int       { return &i }

func TestResolveBackendLayering(t *testing.T) {
	clearEnv(t, "ASK_BACKEND", "ASK_API_BASE")

	tests := []struct {
		name string
		flag string
		env  string
		cfg  *ConfigFile
		want string
	}{
		{"flag wins", "https://flag", "https://env", &ConfigFile{Backend: strptr("https://cfg")}, "https://flag"},
		{"env beats config", "", "https://env", &ConfigFile{Backend: strptr("https://cfg")}, "https://env"},
		{"config beats default", "", "", &ConfigFile{Backend: strptr("https://cfg")}, "https://cfg"},
		{"built-in default", "", "", &ConfigFile{}, defaultBackend},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.env != "" {
				withEnv(t, "ASK_BACKEND", tc.env)
			} else {
				clearEnv(t, "ASK_BACKEND")
			}
			if got := resolveBackend(tc.flag, tc.cfg); got != tc.want {
				t.Errorf("resolveBackend = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveModel(t *testing.T) {
	clearEnv(t, "ASK_MODEL")

	if got := resolveModel("", &ConfigFile{}); got != "gemini" {
		t.Errorf("default model = %q", got)
	}
	if got := resolveModel("", &ConfigFile{Model: strptr("flash")}); got != "flash" {
		t.Errorf("config model = %q", got)
	}
	withEnv(t, "ASK_MODEL", "env-model")
	if got := resolveModel("", &ConfigFile{Model: strptr("flash")}); got != "env-model" {
		t.Errorf("env model = %q", got)
	}
	if got := resolveModel("flag-model", &ConfigFile{}); got != "flag-model" {
		t.Errorf("flag model = %q", got)
	}
}

func TestPointerDefaults(t *testing.T) {
	if boolOr(nil, true) != true || boolOr(boolptr(false), true) != false {
		t.Error("boolOr pointer handling broken")
	}
	if intOr(nil, 30) != 30 || intOr(intptr(5), 30) != 5 {
		t.Error("intOr pointer handling broken")
	}
}

func TestGetFirstEnv(t *testing.T) {
	clearEnv(t, "ASK_TEST_A", "ASK_TEST_B")
	if got := getFirstEnv("fallback", "ASK_TEST_A", "ASK_TEST_B"); got != "fallback" {
		t.Errorf("got %q", got)
	}
	withEnv(t, "ASK_TEST_B", "second")
	if got := getFirstEnv("fallback", "ASK_TEST_A", "ASK_TEST_B"); got != "second" {
		t.Errorf("got %q", got)
	}
	withEnv(t, "ASK_TEST_A", "first")
	if got := getFirstEnv("fallback", "ASK_TEST_A", "ASK_TEST_B"); got != "first" {
		t.Errorf("got %q", got)
	}
}
