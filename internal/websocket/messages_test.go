package websocket

import (
	"testing"

	"github.com/satriahrh/callbridge/domain/entities"
)

func TestParseControlMessage(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantErr  bool
		wantMode entities.DeliveryMode
	}{
		{
			name:     "change to audio",
			message:  `{"action": "change_mode", "mode": "audio"}`,
			wantMode: entities.ModeAudio,
		},
		{
			name:    "request suggestion",
			message: `{"action": "request_suggestion"}`,
		},
		{
			name:    "unknown mode",
			message: `{"action": "change_mode", "mode": "video"}`,
			wantErr: true,
		},
		{
			name:    "missing mode",
			message: `{"action": "change_mode"}`,
			wantErr: true,
		},
		{
			name:    "missing action",
			message: `{"mode": "text"}`,
			wantErr: true,
		},
		{
			name:    "unknown action",
			message: `{"action": "hangup"}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			message: `{"action": `,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseControlMessage([]byte(tt.message))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseControlMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && msg.Mode != tt.wantMode {
				t.Errorf("ParseControlMessage() mode = %v, want %v", msg.Mode, tt.wantMode)
			}
		})
	}
}
