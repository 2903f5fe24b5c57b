package schema

import (
	"errors"
	"testing"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

func validPayload() model.IncidencePayload {
	return model.IncidencePayload{
		State:         model.StatePending,
		IncidenceType: "EMT",
		Description:   "Marquesina rota",
		Resource:      model.StringPtr("PARADA_42"),
		Image:         []model.ImageEntry{{File: "https://files/1.jpg", Name: "1.jpg", FileID: "f1"}},
		Audio:         []model.ImageEntry{},
	}
}

func TestValidateIncidence(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	noResource := validPayload()
	noResource.Resource = nil

	noImages := validPayload()
	noImages.Image = []model.ImageEntry{}

	wrongState := validPayload()
	wrongState.State = "DONE"

	noDescription := validPayload()
	noDescription.Description = ""

	tests := []struct {
		name    string
		doc     model.IncidencePayload
		wantErr bool
	}{
		{"valid", validPayload(), false},
		{"null resource", noResource, false},
		{"no images", noImages, true},
		{"wrong state", wrongState, true},
		{"empty description", noDescription, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := v.Validate(DocIncidence, tt.doc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) || len(verr.Problems) == 0 {
					t.Errorf("Validate() error = %T, want *ValidationError with problems", err)
				}
				return
			}
			if version != "1.0.0" {
				t.Errorf("Validate() version = %v, want 1.0.0", version)
			}
		})
	}
}

func TestValidateRawControlBodies(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		doc     string
		body    string
		wantErr bool
	}{
		{"photo ok", DocPhotoImport, `{"image":"data:image/jpeg;base64,AA==","role":"primary"}`, false},
		{"photo bad role", DocPhotoImport, `{"image":"x","role":"hero"}`, true},
		{"photo missing image", DocPhotoImport, `{}`, true},
		{"confirm ok", DocAIConfirm, `{"stopNumber":"42","description":"rota"}`, false},
		{"confirm missing", DocAIConfirm, `{"stopNumber":"42"}`, true},
		{"tag ok", DocNFCTag, `{"records":[{"recordType":"text","data":"IdQr/7"}]}`, false},
		{"tag bad record", DocNFCTag, `{"records":[{"data":"x"}]}`, true},
		{"not json", DocSubmit, `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.doc, []byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%s) error = %v, wantErr %v", tt.doc, err, tt.wantErr)
			}
		})
	}
}

func TestValidateUnknownDocument(t *testing.T) {
	v, _ := NewValidator()
	if _, err := v.Validate("nope", map[string]any{}); err == nil {
		t.Fatal("Validate() of unknown document: expected error")
	}
}
