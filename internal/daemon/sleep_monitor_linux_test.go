package daemon

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestPrepareForSleep(t *testing.T) {
	const member = "org.freedesktop.login1.Manager.PrepareForSleep"

	tests := []struct {
		name         string
		sig          *dbus.Signal
		wantEntering bool
		wantOK       bool
	}{
		{"entering sleep", &dbus.Signal{Name: member, Body: []any{true}}, true, true},
		{"resumed", &dbus.Signal{Name: member, Body: []any{false}}, false, true},
		{"other signal", &dbus.Signal{Name: "org.freedesktop.login1.Manager.SessionNew", Body: []any{true}}, false, false},
		{"empty body", &dbus.Signal{Name: member}, false, false},
		{"wrong type", &dbus.Signal{Name: member, Body: []any{"yes"}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entering, ok := prepareForSleep(tt.sig)
			if entering != tt.wantEntering || ok != tt.wantOK {
				t.Errorf("prepareForSleep() = %v, %v; want %v, %v", entering, ok, tt.wantEntering, tt.wantOK)
			}
		})
	}
}
