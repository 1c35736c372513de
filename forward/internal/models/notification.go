package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// NotifyContextRequest is the NGSI v1 notification body published to the source.
type NotifyContextRequest struct {
	SubscriptionID   string            `json:"subscriptionId"`
	Originator       string            `json:"originator"`
	ContextResponses []ContextResponse `json:"contextResponses"`
}

// ContextResponse wraps one notified element.
type ContextResponse struct {
	ContextElement ContextElement `json:"contextElement"`
	StatusCode     StatusCode     `json:"statusCode"`
}

// StatusCode is the per-element NGSI status.
type StatusCode struct {
	Code         string `json:"code"`
	ReasonPhrase string `json:"reasonPhrase"`
}

// ParseNotification decodes a notification body.
func ParseNotification(data []byte) (*NotifyContextRequest, error) {
	var req NotifyContextRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if len(req.ContextResponses) == 0 {
		return nil, fmt.Errorf("notification has no context responses")
	}
	return &req, nil
}

// DefaultEntityName is the destination fragment used for an entity when no
// grouping rule overrides it: id and type joined by an underscore.
func DefaultEntityName(id, typ string) string {
	return id + "_" + typ
}

// SplitEvents turns a notification into one event per context element. Every
// event gets its own header map; grouped headers default to their raw
// counterparts when the publisher did not set them.
func SplitEvents(headers map[string]string, req *NotifyContextRequest, receivedAt time.Time) []*Event {
	events := make([]*Event, 0, len(req.ContextResponses))
	for i := range req.ContextResponses {
		ce := req.ContextResponses[i].ContextElement.Clone()

		h := make(map[string]string, len(headers)+4)
		for k, v := range headers {
			h[k] = v
		}
		h[HeaderElementIndex] = strconv.Itoa(i)
		entity := DefaultEntityName(ce.ID, ce.Type)
		h[HeaderNotifiedEntity] = entity
		if h[HeaderGroupedEntity] == "" {
			h[HeaderGroupedEntity] = entity
		}
		if h[HeaderGroupedServicePath] == "" {
			h[HeaderGroupedServicePath] = h[HeaderFiwareServicePath]
		}

		events = append(events, &Event{
			Headers:    h,
			OriginalCE: ce,
			ReceivedAt: receivedAt,
		})
	}
	return events
}
