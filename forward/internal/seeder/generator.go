// Package seeder publishes fake NGSI notifications to the source stream so a
// forwarder can be exercised without a context broker.
package seeder

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/telhawk-forward/forward/internal/models"
)

// entityKinds maps an entity type to the attributes it reports.
var entityKinds = map[string][]string{
	"Room":          {"temperature", "pressure", "humidity"},
	"Car":           {"speed", "fuel", "location"},
	"StreetLight":   {"status", "illuminance", "powerConsumption"},
	"WeatherSensor": {"temperature", "windSpeed", "rainfall"},
}

// Generator builds random notifications. It is deterministic for a given seed.
type Generator struct {
	faker        *gofakeit.Faker
	services     []string
	servicePaths []string
	entityTypes  []string
	maxElements  int
}

// NewGenerator creates a generator. A zero seed picks a random one.
func NewGenerator(cfg Config) *Generator {
	types := cfg.EntityTypes
	if len(types) == 0 {
		for t := range entityKinds {
			types = append(types, t)
		}
		// map order is random; keep seeded runs reproducible
		sort.Strings(types)
	}
	maxElements := cfg.MaxElements
	if maxElements < 1 {
		maxElements = 1
	}
	return &Generator{
		faker:        gofakeit.New(cfg.Seed),
		services:     orDefault(cfg.Services, "smartcity"),
		servicePaths: orDefault(cfg.ServicePaths, "/"),
		entityTypes:  types,
		maxElements:  maxElements,
	}
}

// Notification is one generated message: the tenant it belongs to and its body.
type Notification struct {
	Service     string
	ServicePath string
	Correlator  string
	Body        *models.NotifyContextRequest
}

// Next generates a notification with 1..MaxElements context elements.
func (g *Generator) Next() Notification {
	n := Notification{
		Service:     g.pick(g.services),
		ServicePath: g.pick(g.servicePaths),
		Correlator:  g.faker.UUID(),
		Body: &models.NotifyContextRequest{
			SubscriptionID: g.faker.LetterN(24),
			Originator:     "localhost",
		},
	}

	count := g.faker.Number(1, g.maxElements)
	for i := 0; i < count; i++ {
		n.Body.ContextResponses = append(n.Body.ContextResponses, models.ContextResponse{
			ContextElement: g.element(),
			StatusCode:     models.StatusCode{Code: "200", ReasonPhrase: "OK"},
		})
	}
	return n
}

func (g *Generator) element() models.ContextElement {
	typ := g.pick(g.entityTypes)
	ce := models.ContextElement{
		ID:        fmt.Sprintf("%s%d", typ, g.faker.Number(1, 50)),
		Type:      typ,
		IsPattern: "false",
	}
	attrs, ok := entityKinds[typ]
	if !ok {
		attrs = []string{strings.ToLower(g.faker.Noun())}
	}
	for _, name := range attrs {
		ce.Attributes = append(ce.Attributes, g.attribute(name))
	}
	return ce
}

func (g *Generator) attribute(name string) models.ContextAttribute {
	var typ string
	var value interface{}
	switch name {
	case "location":
		typ = "geo:point"
		value = fmt.Sprintf("%.6f, %.6f", g.faker.Latitude(), g.faker.Longitude())
	case "status":
		typ = "Text"
		value = g.pick([]string{"on", "off", "dimmed"})
	default:
		typ = "Float"
		value = fmt.Sprintf("%.2f", g.faker.Float64Range(0, 100))
	}
	raw, _ := json.Marshal(value)
	return models.ContextAttribute{Name: name, Type: typ, Value: raw}
}

func (g *Generator) pick(values []string) string {
	return values[g.faker.Number(0, len(values)-1)]
}

func orDefault(values []string, def string) []string {
	if len(values) == 0 {
		return []string{def}
	}
	return values
}
