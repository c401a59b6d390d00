package tracer

import (
	"encoding/json"
	"sync"
)

// Document is an in-memory Sink keeping sections in the order they were
// opened.
type Document struct {
	mu       sync.Mutex
	sections []*DocumentSection
}

// DocumentSection is one named section of a Document.
type DocumentSection struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`

	doc *Document
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{}
}

// Section opens a new section.
func (d *Document) Section(name string) Section {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &DocumentSection{Name: name, doc: d}
	d.sections = append(d.sections, s)
	return s
}

// Put sets the section payload; a later Put replaces an earlier one.
func (s *DocumentSection) Put(payload any) error {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	s.Payload = payload
	return nil
}

// Names returns section names in order.
func (d *Document) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, len(d.sections))
	for i, s := range d.sections {
		names[i] = s.Name
	}
	return names
}

// Payload returns the payload of the first section called name.
func (d *Document) Payload(name string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.sections {
		if s.Name == name {
			return s.Payload, true
		}
	}
	return nil, false
}

// MarshalJSON encodes the document as an ordered list of sections.
func (d *Document) MarshalJSON() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(d.sections)
}
