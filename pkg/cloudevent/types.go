// Package cloudevent builds CloudEvents 1.0 envelopes and delivers them over
// HTTP in structured content mode.
package cloudevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents version produced by New.
const SpecVersion = "1.0"

// ErrInvalid is wrapped by every error caused by the event itself rather
// than by its delivery. Such errors are never worth retrying.
var ErrInvalid = errors.New("invalid cloudevent")

// Event is a CloudEvents 1.0 envelope.
type Event struct {
	SpecVersion     string         `json:"specversion"`
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Type            string         `json:"type"`
	Subject         string         `json:"subject,omitempty"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	Data            map[string]any `json:"data,omitempty"`

	// Extensions are extension context attributes, serialized next to the
	// core attributes.
	Extensions map[string]string `json:"-"`
}

// New creates an event with a random id, stamped with the current time.
func New(eventType, source, subject string, data map[string]any) *Event {
	return &Event{
		SpecVersion:     SpecVersion,
		ID:              uuid.NewString(),
		Source:          source,
		Type:            eventType,
		Subject:         subject,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

var extensionName = regexp.MustCompile(`^[a-z0-9]{1,20}$`)

var coreAttributes = map[string]bool{
	"specversion": true, "id": true, "source": true, "type": true,
	"subject": true, "time": true, "datacontenttype": true, "data": true,
	"dataschema": true,
}

// SetExtension sets an extension attribute. Names are lower-case
// alphanumeric, at most 20 characters, and may not shadow a core attribute.
func (e *Event) SetExtension(name, value string) error {
	if !extensionName.MatchString(name) || coreAttributes[name] {
		return fmt.Errorf("%w: extension name %q", ErrInvalid, name)
	}
	if e.Extensions == nil {
		e.Extensions = make(map[string]string)
	}
	e.Extensions[name] = value
	return nil
}

// Validate checks the required context attributes.
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalid)
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("%w: specversion %q", ErrInvalid, e.SpecVersion)
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case e.Source == "":
		return fmt.Errorf("%w: missing source", ErrInvalid)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalid)
	}
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	type attributes Event
	body, err := json.Marshal(attributes(e))
	if err != nil || len(e.Extensions) == 0 {
		return body, err
	}
	var merged map[string]any
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extensions {
		merged[k] = v
	}
	return json.Marshal(merged)
}
