package persist

import (
	"encoding/json"
	"time"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

// Record is the row-shaped view of an event shared by every backend. When a
// mapped element is present it wins over the original one.
type Record struct {
	Destination       string                    `json:"destination"`
	RecvTime          time.Time                 `json:"recv_time"`
	CorrelatorID      string                    `json:"correlator_id"`
	TransactionID     string                    `json:"transaction_id"`
	FiwareService     string                    `json:"fiware_service"`
	FiwareServicePath string                    `json:"fiware_service_path"`
	EntityID          string                    `json:"entity_id"`
	EntityType        string                    `json:"entity_type"`
	Attributes        []models.ContextAttribute `json:"attributes"`
}

// NewRecord flattens ev for destination.
func NewRecord(destination string, ev *models.Event) Record {
	rec := Record{
		Destination:       destination,
		RecvTime:          ev.ReceivedAt.UTC(),
		CorrelatorID:      ev.CorrelatorID(),
		TransactionID:     ev.Header(models.HeaderTransactionID),
		FiwareService:     ev.Header(models.HeaderFiwareService),
		FiwareServicePath: ev.Header(models.HeaderFiwareServicePath),
	}

	ce := ev.OriginalCE
	if ev.MappedCE != nil {
		ce = ev.MappedCE
		if s := ev.Header(models.HeaderMappedService); s != "" {
			rec.FiwareService = s
		}
		if sp := ev.Header(models.HeaderMappedServicePath); sp != "" {
			rec.FiwareServicePath = sp
		}
	}
	if ce != nil {
		rec.EntityID = ce.ID
		rec.EntityType = ce.Type
		rec.Attributes = ce.Attributes
	}
	return rec
}

// Records flattens every event of a sub-batch.
func Records(destination string, events []*models.Event) []Record {
	out := make([]Record, 0, len(events))
	for _, ev := range events {
		out = append(out, NewRecord(destination, ev))
	}
	return out
}

// Encode marshals the record as JSON. A marshal failure is a bad payload.
func (r Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, BadPayload(err)
	}
	return data, nil
}
