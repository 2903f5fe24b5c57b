package model

import (
	"bytes"
	"testing"
)

func TestDataURIRoundTrip(t *testing.T) {
	raw := []byte{0xff, 0xd8, 0xff, 0x00, 0x10}
	uri := EncodeDataURI("image/jpeg", raw)
	mime, data, err := DecodeDataURI(uri)
	if err != nil {
		t.Fatalf("DecodeDataURI() error = %v", err)
	}
	if mime != "image/jpeg" || !bytes.Equal(data, raw) {
		t.Errorf("DecodeDataURI() = %q, %v", mime, data)
	}
	if _, _, err := DecodeDataURI("data:image/jpeg,plain"); err == nil {
		t.Errorf("DecodeDataURI() accepted a non-base64 data uri")
	}
}

func TestPhotoReferencePrefersRemote(t *testing.T) {
	p := &CapturedPhoto{LocalData: []byte("x"), MimeType: "image/jpeg", DisplayName: "a.jpg"}
	if ref := p.Reference(); ref.IsRemote() || ref.File != "data:image/jpeg;base64,eA==" {
		t.Errorf("Reference() local = %+v", ref)
	}
	p.Remote = &RemoteRef{URL: "https://cdn/a.jpg", ServerID: "f1"}
	ref := p.Reference()
	if !ref.IsRemote() || ref.File != "https://cdn/a.jpg" || ref.FileID != "f1" {
		t.Errorf("Reference() remote = %+v", ref)
	}

	c := p.Clone()
	c.Remote.URL = "changed"
	if p.Remote.URL != "https://cdn/a.jpg" {
		t.Errorf("Clone() shares the remote reference")
	}
}

func TestPendingClone(t *testing.T) {
	p := &PendingIncidenceData{StopNumber: StringPtr("4"), SourceKind: PendingAI}
	c := p.Clone()
	*c.StopNumber = "5"
	if Deref(p.StopNumber) != "4" || !c.Active() {
		t.Errorf("Clone() = %+v, original %+v", c, p)
	}
	var none *PendingIncidenceData
	if none.Active() || none.Clone() != nil {
		t.Errorf("nil pending data reported active")
	}
}
