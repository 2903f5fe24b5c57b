package recorder

import (
	"testing"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

func TestParseTranscription(t *testing.T) {
	stop := func(s string) *string { return &s }
	tests := []struct {
		name     string
		resp     model.ProcessAudioResponse
		wantStop string
		wantDesc string
		wantFull string
	}{
		{
			name:     "embedded json",
			resp:     model.ProcessAudioResponse{TranscribedText: "parada 12 banco roto", Description: `{"parada": 12, "incidencia": "banco roto"}`},
			wantStop: "P12", wantDesc: "banco roto", wantFull: "parada 12 banco roto",
		},
		{
			name:     "embedded json keeps existing prefix",
			resp:     model.ProcessAudioResponse{Description: `{"parada": "p7", "incidencia": "sin luz"}`},
			wantStop: "p7", wantDesc: "sin luz", wantFull: "sin luz",
		},
		{
			name:     "stop number field",
			resp:     model.ProcessAudioResponse{TranscribedText: "marquesina rota", Description: "marquesina rota", StopNumber: stop("301")},
			wantStop: "P301", wantDesc: "marquesina rota", wantFull: "marquesina rota",
		},
		{
			name:     "extracted from text",
			resp:     model.ProcessAudioResponse{TranscribedText: "En la parada 45 hay un cristal roto"},
			wantStop: "45", wantDesc: "En la hay un cristal roto", wantFull: "En la parada 45 hay un cristal roto",
		},
		{
			name:     "nothing usable",
			resp:     model.ProcessAudioResponse{},
			wantStop: "", wantDesc: DefaultAudioDescription, wantFull: DefaultAudioDescription,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTranscription(tt.resp)
			if got.StopNumber != tt.wantStop {
				t.Errorf("StopNumber = %q, want %q", got.StopNumber, tt.wantStop)
			}
			if got.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", got.Description, tt.wantDesc)
			}
			if got.FullText != tt.wantFull {
				t.Errorf("FullText = %q, want %q", got.FullText, tt.wantFull)
			}
		})
	}
}

func TestExtractStopInfo(t *testing.T) {
	tests := []struct {
		text     string
		wantStop string
		wantDesc string
	}{
		{"Parada número 8, papelera llena", "8", "papelera llena"},
		{"stop 19 broken bench", "19", "stop 19 broken bench"},
		{"la 33 parada", "33", "la 33 parada"},
		{"farola 5 apagada junto al paso", "5", "farola 5 apagada junto al paso"},
		{"sin numero", "", "sin numero"},
	}
	for _, tt := range tests {
		stop, desc := ExtractStopInfo(tt.text)
		if stop != tt.wantStop || desc != tt.wantDesc {
			t.Errorf("ExtractStopInfo(%q) = %q, %q; want %q, %q", tt.text, stop, desc, tt.wantStop, tt.wantDesc)
		}
	}
}

func TestTranscriptPending(t *testing.T) {
	p := Transcript{StopNumber: "", Description: "d", FullText: "f"}.Pending()
	if p.SourceKind != model.PendingAudio || p.StopNumber != nil || model.Deref(p.Description) != "d" {
		t.Errorf("Pending() = %+v", p)
	}
}
