package recorder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

// DefaultAudioDescription is used when a transcription yields no description.
const DefaultAudioDescription = "Incidencia reportada por audio"

// Transcript is a transcription normalised into candidate incidence fields.
type Transcript struct {
	Text        string // Raw transcribed text
	StopNumber  string // Empty when no stop number could be found
	Description string
	FullText    string
}

// Pending converts the transcript into audio-sourced pending data.
func (t Transcript) Pending() *model.PendingIncidenceData {
	return &model.PendingIncidenceData{
		StopNumber:  model.StringPtr(t.StopNumber),
		Description: model.StringPtr(t.Description),
		FullText:    model.StringPtr(t.FullText),
		SourceKind:  model.PendingAudio,
	}
}

// ParseTranscription extracts stop number and description from a transcription.
// The description field may itself carry a JSON object {"parada", "incidencia"};
// otherwise the stop number comes from stop_number or, failing that, from the text.
func ParseTranscription(resp model.ProcessAudioResponse) Transcript {
	t := Transcript{Text: strings.TrimSpace(resp.TranscribedText)}

	if d := strings.TrimSpace(resp.Description); d != "" {
		var embedded struct {
			Parada     interface{} `json:"parada"`
			Incidencia interface{} `json:"incidencia"`
		}
		if err := json.Unmarshal([]byte(d), &embedded); err == nil {
			if s := scalarString(embedded.Parada); s != "" {
				t.StopNumber = withStopPrefix(s)
			}
			if s := scalarString(embedded.Incidencia); s != "" {
				t.Description = s
			}
		} else {
			t.Description = d
		}
	}

	if t.StopNumber == "" {
		if resp.StopNumber != nil && strings.TrimSpace(*resp.StopNumber) != "" {
			t.StopNumber = withStopPrefix(strings.TrimSpace(*resp.StopNumber))
		} else if t.Text != "" {
			stop, desc := ExtractStopInfo(t.Text)
			t.StopNumber = stop
			if t.Description == "" {
				t.Description = desc
			}
		}
	}

	if strings.TrimSpace(t.Description) == "" {
		t.Description = t.Text
		if t.Description == "" {
			t.Description = DefaultAudioDescription
		}
	}
	t.FullText = t.Text
	if t.FullText == "" {
		t.FullText = t.Description
	}
	return t
}

var (
	stopPatterns = []*regexp.Regexp{
		regexp.MustCompile(`parada\s+n[uú]mero\s+(\d+)`),
		regexp.MustCompile(`parada\s+(\d+)`),
		regexp.MustCompile(`stop\s+(\d+)`),
		regexp.MustCompile(`(\d+)\s+parada`),
	}
	anyNumber      = regexp.MustCompile(`(\d+)`)
	stopReferences = regexp.MustCompile(`(?i)parada\s+(?:n[uú]mero\s+)?\d+`)
)

// ExtractStopInfo finds a stop number and a cleaned description in free text.
// The stop number is empty when the text contains no number at all.
func ExtractStopInfo(text string) (stopNumber, description string) {
	lower := strings.ToLower(text)
	for _, p := range stopPatterns {
		if m := p.FindStringSubmatch(lower); m != nil {
			stopNumber = m[1]
			break
		}
	}
	if stopNumber == "" {
		if m := anyNumber.FindStringSubmatch(lower); m != nil {
			stopNumber = m[1]
		}
	}

	trimmed := strings.TrimSpace(text)
	description = strings.Join(strings.Fields(stopReferences.ReplaceAllString(trimmed, "")), " ")
	description = strings.Trim(description, " ,.;:")
	if len([]rune(description)) < 10 {
		description = trimmed
	}
	if description == "" {
		description = DefaultAudioDescription
	}
	return stopNumber, description
}

func withStopPrefix(s string) string {
	if strings.HasPrefix(strings.ToUpper(s), "P") {
		return s
	}
	return "P" + s
}

func scalarString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
