package models

import (
	"encoding/json"
	"time"
)

// Header names carried by every notification event.
const (
	HeaderCorrelatorID       = "fiware-correlator"
	HeaderTransactionID      = "transaction-id"
	HeaderFiwareService      = "fiware-service"
	HeaderFiwareServicePath  = "fiware-servicepath"
	HeaderGroupedServicePath = "grouped-servicepath"
	HeaderNotifiedEntity     = "notified-entity"
	HeaderGroupedEntity      = "grouped-entity"
	HeaderMappedService      = "mapped-fiware-service"
	HeaderMappedServicePath  = "mapped-fiware-service-path"
	HeaderReceptionTimestamp = "timestamp"
	HeaderElementIndex       = "element-index"
)

// ContextAttribute is a single named attribute of an entity snapshot.
type ContextAttribute struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Value    json.RawMessage `json:"value"`
	Metadata json.RawMessage `json:"metadatas,omitempty"`
}

// ContextElement is an entity snapshot delivered in a notification.
type ContextElement struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	IsPattern  string             `json:"isPattern,omitempty"`
	Attributes []ContextAttribute `json:"attributes"`
}

// Filter returns a copy of the element restricted to the attributes named name.
// The receiver is never modified.
func (ce *ContextElement) Filter(name string) *ContextElement {
	if ce == nil {
		return nil
	}
	filtered := &ContextElement{
		ID:        ce.ID,
		Type:      ce.Type,
		IsPattern: ce.IsPattern,
	}
	for _, attr := range ce.Attributes {
		if attr.Name == name {
			filtered.Attributes = append(filtered.Attributes, attr.clone())
		}
	}
	return filtered
}

// Clone returns a deep copy of the element.
func (ce *ContextElement) Clone() *ContextElement {
	if ce == nil {
		return nil
	}
	out := &ContextElement{ID: ce.ID, Type: ce.Type, IsPattern: ce.IsPattern}
	if ce.Attributes != nil {
		out.Attributes = make([]ContextAttribute, len(ce.Attributes))
		for i, attr := range ce.Attributes {
			out.Attributes[i] = attr.clone()
		}
	}
	return out
}

// AttributeNames lists attribute names in notification order.
func (ce *ContextElement) AttributeNames() []string {
	if ce == nil {
		return nil
	}
	names := make([]string, 0, len(ce.Attributes))
	for _, attr := range ce.Attributes {
		names = append(names, attr.Name)
	}
	return names
}

func (a ContextAttribute) clone() ContextAttribute {
	out := a
	if a.Value != nil {
		out.Value = append(json.RawMessage(nil), a.Value...)
	}
	if a.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), a.Metadata...)
	}
	return out
}

// Event is one context update taken from the source. Headers are treated as
// read-only once the event has been taken.
type Event struct {
	Headers    map[string]string `json:"headers"`
	OriginalCE *ContextElement   `json:"original"`
	MappedCE   *ContextElement   `json:"mapped,omitempty"` // present only when name mappings applied
	ReceivedAt time.Time         `json:"received_at"`
}

// Header returns the named header or "" when absent.
func (e *Event) Header(name string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[name]
}

// CorrelatorID returns the fiware-correlator header.
func (e *Event) CorrelatorID() string {
	return e.Header(HeaderCorrelatorID)
}

// ElementIndex returns the position of the event's context element within
// the notification it was split from, or "" for events not built by
// SplitEvents.
func (e *Event) ElementIndex() string {
	return e.Header(HeaderElementIndex)
}

// WithElements returns a new event sharing the headers of e but carrying the
// given elements. It is the copy-on-filter primitive used for attribute fan-out.
func (e *Event) WithElements(original, mapped *ContextElement) *Event {
	return &Event{
		Headers:    e.Headers,
		OriginalCE: original,
		MappedCE:   mapped,
		ReceivedAt: e.ReceivedAt,
	}
}

// Clone returns a deep copy of the event, headers included.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	headers := make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = v
	}
	return &Event{
		Headers:    headers,
		OriginalCE: e.OriginalCE.Clone(),
		MappedCE:   e.MappedCE.Clone(),
		ReceivedAt: e.ReceivedAt,
	}
}
