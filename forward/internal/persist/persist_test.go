package persist

import (
	"encoding/json"
	"time"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/batch"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

var testReceivedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testEvent(corr, id string, attrs ...string) *models.Event {
	ce := &models.ContextElement{ID: id, Type: "Room"}
	for _, a := range attrs {
		ce.Attributes = append(ce.Attributes, models.ContextAttribute{
			Name:  a,
			Type:  "Float",
			Value: json.RawMessage(`"21.5"`),
		})
	}
	return &models.Event{
		Headers: map[string]string{
			models.HeaderCorrelatorID:      corr,
			models.HeaderTransactionID:     "txn-" + corr,
			models.HeaderFiwareService:     "smartcity",
			models.HeaderFiwareServicePath: "/parks",
		},
		OriginalCE: ce,
		ReceivedAt: testReceivedAt,
	}
}

func testBatch() *batch.Batch {
	b := batch.New()
	b.Add("smartcity_/parks_Room1_Room", testEvent("c1", "Room1", "temperature"))
	b.Add("smartcity_/parks_Room1_Room", testEvent("c2", "Room1", "temperature", "pressure"))
	b.Add("smartcity_/parks_Room2_Room", testEvent("c3", "Room2", "temperature"))
	return b
}
