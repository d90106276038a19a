package validation

import (
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "room-1_A", false},
		{"empty", "", true},
		{"spaces", "room 1", true},
		{"too long", strings.Repeat("r", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "0b5e1c9e-4d1e-4c0b-9a7a-2f1f0f3c2a11", false},
		{"empty", "", true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"ascii", "Alice", false},
		{"unicode", "Zoë Łukasz", false},
		{"blank", "   ", true},
		{"too long", strings.Repeat("é", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRelayURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid ws", "ws://example.com/ws", false},
		{"valid wss", "wss://example.com", false},
		{"empty", "", true},
		{"http scheme", "http://example.com", true},
		{"no host", "ws://", true},
		{"invalid format", "not-a-url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRelayURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRelayURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDeviceAndKind(t *testing.T) {
	if err := ValidateDeviceID(""); err != nil {
		t.Errorf("empty device ID should mean default device, got %v", err)
	}
	if err := ValidateDeviceID(strings.Repeat("d", 257)); err == nil {
		t.Errorf("expected error for long device ID")
	}
	if err := ValidateTrackKind("video"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateTrackKind("screen"); err == nil {
		t.Errorf("expected error for unknown kind")
	}
}
