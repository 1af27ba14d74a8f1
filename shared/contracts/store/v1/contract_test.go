package v1

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name:    "missing version",
			env:     Envelope{Type: TypeAck},
			wantErr: true,
		},
		{
			name:    "unsupported version",
			env:     Envelope{V: "v2", Type: TypeAck},
			wantErr: true,
		},
		{
			name:    "missing type",
			env:     Envelope{V: Version},
			wantErr: true,
		},
		{
			name:    "unknown type",
			env:     Envelope{V: Version, Type: "publish"},
			wantErr: true,
		},
		{
			name:    "subscribe requires path",
			env:     Envelope{V: Version, Type: TypeSubscribe},
			wantErr: true,
		},
		{
			name:    "write requires path",
			env:     Envelope{V: Version, Type: TypeWrite, ID: "r1"},
			wantErr: true,
		},
		{
			name:    "snapshot requires path",
			env:     Envelope{V: Version, Type: TypeSnapshot},
			wantErr: true,
		},
		{
			name:    "patch with blank path",
			env:     Envelope{V: Version, Type: TypePatch, Path: "   "},
			wantErr: true,
		},
		{
			name: "valid subscribe",
			env:  Envelope{V: Version, Type: TypeSubscribe, Path: "conversations/c1/messages"},
		},
		{
			name: "valid write",
			env: Envelope{
				V: Version, Type: TypeWrite, ID: "r1",
				Path:    "conversations/c1/messages",
				Payload: json.RawMessage(`{"text":"hi"}`),
			},
		},
		{
			name: "valid update",
			env:  Envelope{V: Version, Type: TypeUpdate, ID: "r2", Path: "users/u1/cursors/c1"},
		},
		{
			name: "ack needs no path",
			env:  Envelope{V: Version, Type: TypeAck, ID: "r1"},
		},
		{
			name: "error needs no path",
			env:  Envelope{V: Version, Type: TypeError, ID: "r1"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestErrorPayloadTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want bool
	}{
		{code: CodePermissionDenied, want: true},
		{code: CodeInvalidPath, want: true},
		{code: CodeUnavailable, want: false},
		{code: CodeBadRequest, want: false},
		{code: "something_else", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()
			if got := (ErrorPayload{Code: tt.code}).Terminal(); got != tt.want {
				t.Fatalf("Terminal(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}
